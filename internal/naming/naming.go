// Package naming derives admission resource names from call descriptors.
package naming

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ppiankov/rpcguard/internal/model"
)

// DefaultConsumerPrefix is prepended to operation names when prefixing is on
// and no prefix is configured.
const DefaultConsumerPrefix = "grpc:consumer:"

// ErrInvalidDescriptor is returned when a descriptor cannot be named.
var ErrInvalidDescriptor = errors.New("invalid call descriptor")

// Config controls how resource names are built.
type Config struct {
	UsePrefix                      bool   `yaml:"use_prefix"`
	ConsumerPrefix                 string `yaml:"consumer_prefix"`
	QualifyServiceWithGroupVersion bool   `yaml:"qualify_service_with_group_version"`
}

// DefaultConfig returns prefixing and qualification disabled.
func DefaultConfig() Config {
	return Config{ConsumerPrefix: DefaultConsumerPrefix}
}

// Prefix returns the prefix applied to operation names, or "" when disabled.
func (c Config) Prefix() string {
	if !c.UsePrefix {
		return ""
	}
	if c.ConsumerPrefix == "" {
		return DefaultConsumerPrefix
	}
	return c.ConsumerPrefix
}

// OperationName returns "[prefix]Service:Method(T1,T2)".
func OperationName(desc model.CallDescriptor, cfg Config) (string, error) {
	if err := validate(desc); err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString(cfg.Prefix())
	b.WriteString(desc.Service)
	b.WriteByte(':')
	b.WriteString(desc.Method)
	b.WriteByte('(')
	b.WriteString(strings.Join(desc.ParamTypes, ","))
	b.WriteByte(')')
	return b.String(), nil
}

// ServiceName returns the bare service name, or "Service:Version:Group"
// when qualification is enabled. Empty segments keep their separator.
func ServiceName(desc model.CallDescriptor, cfg Config) (string, error) {
	if err := validate(desc); err != nil {
		return "", err
	}
	if !cfg.QualifyServiceWithGroupVersion {
		return desc.Service, nil
	}
	return desc.Service + ":" + desc.Version + ":" + desc.Group, nil
}

// Names returns the service-scope and operation-scope names for desc.
func Names(desc model.CallDescriptor, cfg Config) (service, operation string, err error) {
	operation, err = OperationName(desc, cfg)
	if err != nil {
		return "", "", err
	}
	service, err = ServiceName(desc, cfg)
	if err != nil {
		return "", "", err
	}
	return service, operation, nil
}

func validate(desc model.CallDescriptor) error {
	if strings.TrimSpace(desc.Service) == "" {
		return fmt.Errorf("%w: empty service", ErrInvalidDescriptor)
	}
	if strings.TrimSpace(desc.Method) == "" {
		return fmt.Errorf("%w: empty method on %s", ErrInvalidDescriptor, desc.Service)
	}
	return nil
}
