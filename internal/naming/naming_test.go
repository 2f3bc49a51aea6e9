package naming

import (
	"errors"
	"strings"
	"testing"

	"github.com/ppiankov/rpcguard/internal/model"
)

func chargeCall() model.CallDescriptor {
	return model.CallDescriptor{
		Service:    "billing.PaymentService",
		Method:     "charge",
		ParamTypes: []string{"int64"},
		Args:       []any{int64(1200)},
	}
}

func TestOperationNameDefault(t *testing.T) {
	name, err := OperationName(chargeCall(), DefaultConfig())
	if err != nil {
		t.Fatalf("OperationName: %v", err)
	}
	if name != "billing.PaymentService:charge(int64)" {
		t.Errorf("got %q", name)
	}
}

func TestOperationNameMultipleParams(t *testing.T) {
	desc := chargeCall()
	desc.ParamTypes = []string{"int64", "string"}
	name, _ := OperationName(desc, DefaultConfig())
	if name != "billing.PaymentService:charge(int64,string)" {
		t.Errorf("got %q", name)
	}

	desc.ParamTypes = nil
	name, _ = OperationName(desc, DefaultConfig())
	if name != "billing.PaymentService:charge()" {
		t.Errorf("got %q", name)
	}
}

func TestOperationNamePrefix(t *testing.T) {
	cfg := Config{UsePrefix: true, ConsumerPrefix: "rpc:consumer:"}
	name, err := OperationName(chargeCall(), cfg)
	if err != nil {
		t.Fatalf("OperationName: %v", err)
	}
	if !strings.HasPrefix(name, "rpc:consumer:") {
		t.Errorf("expected prefix, got %q", name)
	}
}

func TestPrefixIgnoredWhenDisabled(t *testing.T) {
	cfg := Config{UsePrefix: false, ConsumerPrefix: "rpc:consumer:"}
	name, _ := OperationName(chargeCall(), cfg)
	if strings.HasPrefix(name, "rpc:consumer:") {
		t.Errorf("prefix applied while disabled: %q", name)
	}
}

func TestPrefixFallsBackToDefault(t *testing.T) {
	cfg := Config{UsePrefix: true}
	if cfg.Prefix() != DefaultConsumerPrefix {
		t.Errorf("got %q", cfg.Prefix())
	}
}

func TestServiceName(t *testing.T) {
	desc := chargeCall()
	desc.Group = "eu"
	desc.Version = "1.2.0"

	tests := []struct {
		name string
		desc model.CallDescriptor
		cfg  Config
		want string
	}{
		{"plain", desc, Config{}, "billing.PaymentService"},
		{"qualified", desc, Config{QualifyServiceWithGroupVersion: true}, "billing.PaymentService:1.2.0:eu"},
		{"qualified empty segments", chargeCall(), Config{QualifyServiceWithGroupVersion: true}, "billing.PaymentService::"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ServiceName(tt.desc, tt.cfg)
			if err != nil {
				t.Fatalf("ServiceName: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNamesDeterministic(t *testing.T) {
	cfg := Config{UsePrefix: true, ConsumerPrefix: "rpc:consumer:", QualifyServiceWithGroupVersion: true}
	s1, o1, err := Names(chargeCall(), cfg)
	if err != nil {
		t.Fatalf("Names: %v", err)
	}
	for i := 0; i < 10; i++ {
		s2, o2, _ := Names(chargeCall(), cfg)
		if s1 != s2 || o1 != o2 {
			t.Fatalf("names changed across calls: %q/%q vs %q/%q", s1, o1, s2, o2)
		}
	}
}

func TestInvalidDescriptor(t *testing.T) {
	_, _, err := Names(model.CallDescriptor{Method: "charge"}, DefaultConfig())
	if !errors.Is(err, ErrInvalidDescriptor) {
		t.Errorf("expected ErrInvalidDescriptor, got %v", err)
	}
	_, _, err = Names(model.CallDescriptor{Service: "svc"}, DefaultConfig())
	if !errors.Is(err, ErrInvalidDescriptor) {
		t.Errorf("expected ErrInvalidDescriptor, got %v", err)
	}
}
