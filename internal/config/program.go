package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Program holds the loyalty program settings that can change without a restart.
type Program struct {
	Discount DiscountSettings `mapstructure:"discount"`
	Mirror   MirrorSettings   `mapstructure:"mirror"`
	Shops    []ShopSettings   `mapstructure:"shops"`
}

type DiscountSettings struct {
	ExpirationDays int           `mapstructure:"expiration_days"`
	CodePrefix     string        `mapstructure:"code_prefix"`
	IssueTimeout   time.Duration `mapstructure:"issue_timeout"`
}

type MirrorSettings struct {
	Workers     int `mapstructure:"workers"`
	QueueSize   int `mapstructure:"queue_size"`
	MaxAttempts int `mapstructure:"max_attempts"`
}

// ShopSettings carries the Admin API session of a single shop.
type ShopSettings struct {
	Domain      string `mapstructure:"domain"`
	AccessToken string `mapstructure:"access_token"`
}

func DefaultProgram() Program {
	return Program{
		Discount: DiscountSettings{
			ExpirationDays: 30,
			CodePrefix:     "LOYAL",
			IssueTimeout:   10 * time.Second,
		},
		Mirror: MirrorSettings{
			Workers:     4,
			QueueSize:   1024,
			MaxAttempts: 5,
		},
	}
}

// ProgramHolder serves the latest valid Program snapshot.
type ProgramHolder struct {
	current atomic.Value // holds Program
}

// NewStaticProgramHolder returns a holder that never reloads.
func NewStaticProgramHolder(p Program) *ProgramHolder {
	holder := &ProgramHolder{}
	holder.current.Store(p.withDefaults())
	return holder
}

// NewProgramHolder loads loyalty.yml and watches it for changes.
func NewProgramHolder(cfg Config, log *zap.Logger) (*ProgramHolder, error) {
	v := viper.New()

	if cfg.ProgramConfigPath != "" {
		v.SetConfigFile(cfg.ProgramConfigPath)
	} else {
		v.SetConfigName("loyalty")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/loyalty")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("LOYALTY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultProgram()
	v.SetDefault("discount.expiration_days", defaults.Discount.ExpirationDays)
	v.SetDefault("discount.code_prefix", defaults.Discount.CodePrefix)
	v.SetDefault("discount.issue_timeout", defaults.Discount.IssueTimeout)
	v.SetDefault("mirror.workers", defaults.Mirror.Workers)
	v.SetDefault("mirror.queue_size", defaults.Mirror.QueueSize)
	v.SetDefault("mirror.max_attempts", defaults.Mirror.MaxAttempts)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read program config: %w", err)
		}
		fileLoaded = false
	}

	program, err := decodeProgram(v)
	if err != nil {
		return nil, err
	}

	holder := &ProgramHolder{}
	holder.current.Store(program)

	if !fileLoaded {
		return holder, nil
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeProgram(v)
		if err != nil {
			log.Warn("program config reload rejected", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("program config reloaded", zap.String("file", e.Name))
	})
	v.WatchConfig()

	return holder, nil
}

func decodeProgram(v *viper.Viper) (Program, error) {
	var p Program
	if err := v.Unmarshal(&p); err != nil {
		return Program{}, fmt.Errorf("decode program config: %w", err)
	}
	p = p.withDefaults()
	if err := p.Validate(); err != nil {
		return Program{}, err
	}
	return p, nil
}

// Validate rejects settings the engines cannot run with.
func (p Program) Validate() error {
	if p.Discount.ExpirationDays <= 0 {
		return errors.New("discount.expiration_days must be positive")
	}
	if strings.TrimSpace(p.Discount.CodePrefix) == "" {
		return errors.New("discount.code_prefix is required")
	}
	if p.Discount.IssueTimeout <= 0 {
		return errors.New("discount.issue_timeout must be positive")
	}
	for i, shop := range p.Shops {
		if strings.TrimSpace(shop.Domain) == "" {
			return fmt.Errorf("shops[%d].domain is required", i)
		}
	}
	return nil
}

func (p Program) withDefaults() Program {
	defaults := DefaultProgram()
	if p.Discount.ExpirationDays == 0 {
		p.Discount.ExpirationDays = defaults.Discount.ExpirationDays
	}
	if strings.TrimSpace(p.Discount.CodePrefix) == "" {
		p.Discount.CodePrefix = defaults.Discount.CodePrefix
	}
	if p.Discount.IssueTimeout == 0 {
		p.Discount.IssueTimeout = defaults.Discount.IssueTimeout
	}
	if p.Mirror.Workers <= 0 {
		p.Mirror.Workers = defaults.Mirror.Workers
	}
	if p.Mirror.QueueSize <= 0 {
		p.Mirror.QueueSize = defaults.Mirror.QueueSize
	}
	if p.Mirror.MaxAttempts <= 0 {
		p.Mirror.MaxAttempts = defaults.Mirror.MaxAttempts
	}
	return p
}

// Current returns the active Program.
func (h *ProgramHolder) Current() Program {
	if h == nil {
		return DefaultProgram()
	}
	p, ok := h.current.Load().(Program)
	if !ok {
		return DefaultProgram()
	}
	return p
}

// AccessToken returns the Admin API token of shop, if the shop has a session.
func (h *ProgramHolder) AccessToken(shop string) (string, bool) {
	shop = strings.TrimSpace(shop)
	for _, settings := range h.Current().Shops {
		if !strings.EqualFold(strings.TrimSpace(settings.Domain), shop) {
			continue
		}
		token := strings.TrimSpace(settings.AccessToken)
		return token, token != ""
	}
	return "", false
}
