package config

import (
	"errors"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// EscrowPolicy is the operator-tunable part of the release rules.
type EscrowPolicy struct {
	BlockingDisputeStatuses        []string `mapstructure:"blockingDisputeStatuses"`
	BlockReleaseWhileRefundPending bool     `mapstructure:"blockReleaseWhileRefundPending"`
	AdminRecipients                []string `mapstructure:"adminRecipients"`
}

func DefaultEscrowPolicy() EscrowPolicy {
	return EscrowPolicy{
		BlockingDisputeStatuses:        []string{"open", "under_review", "waiting_party"},
		BlockReleaseWhileRefundPending: true,
	}
}

// PolicySource is read on every action, so reloads apply to the next one.
type PolicySource interface {
	Get() EscrowPolicy
}

type EscrowPolicyHolder struct {
	current atomic.Value // holds EscrowPolicy
}

// NewStaticPolicy returns a holder that never reloads.
func NewStaticPolicy(p EscrowPolicy) *EscrowPolicyHolder {
	holder := &EscrowPolicyHolder{}
	holder.current.Store(p)
	return holder
}

func NewEscrowPolicyHolder(logger *zap.Logger) (*EscrowPolicyHolder, error) {
	v := viper.New()

	v.SetConfigName("escrow")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/escrow")
	v.AddConfigPath(".")

	v.SetEnvPrefix("ESCROW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultEscrowPolicy()
	v.SetDefault("escrow.blockingDisputeStatuses", defaults.BlockingDisputeStatuses)
	v.SetDefault("escrow.blockReleaseWhileRefundPending", defaults.BlockReleaseWhileRefundPending)

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileFound = false
	}

	cfg, err := decodePolicy(v)
	if err != nil {
		return nil, err
	}

	holder := NewStaticPolicy(cfg)
	if !fileFound {
		return holder, nil
	}

	log := logger.Named("escrow-policy")
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodePolicy(v)
		if err != nil {
			log.Warn("invalid policy ignored", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("policy reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *EscrowPolicyHolder) Get() EscrowPolicy {
	return h.current.Load().(EscrowPolicy)
}

func decodePolicy(v *viper.Viper) (EscrowPolicy, error) {
	var file struct {
		Escrow EscrowPolicy `mapstructure:"escrow"`
	}
	if err := v.Unmarshal(&file); err != nil {
		return EscrowPolicy{}, err
	}
	cfg := file.Escrow
	if err := validateEscrowPolicy(&cfg); err != nil {
		return EscrowPolicy{}, err
	}
	return cfg, nil
}

func validateEscrowPolicy(cfg *EscrowPolicy) error {
	statuses := make([]string, 0, len(cfg.BlockingDisputeStatuses))
	for _, s := range cfg.BlockingDisputeStatuses {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			statuses = append(statuses, s)
		}
	}
	if len(statuses) == 0 {
		return errors.New("escrow.blockingDisputeStatuses cannot be empty")
	}
	cfg.BlockingDisputeStatuses = statuses
	return nil
}
