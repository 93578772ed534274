package tracing

import (
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestSafeAttributesDropsSensitiveKeys(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("shop", "demo.myshopify.com"),
		attribute.String("email", "a@b.c"),
		attribute.String("discount_code", "LOYAL1234_X"),
	)
	if len(attrs) != 1 || attrs[0].Key != "shop" {
		t.Fatalf("unexpected attributes: %v", attrs)
	}
}

func TestSafeErrorTruncates(t *testing.T) {
	err := SafeError(errors.New("first line\nsecond line"))
	if err.Error() != "first line" {
		t.Fatalf("expected first line only, got %q", err.Error())
	}

	long := SafeError(errors.New(strings.Repeat("x", 400)))
	if len(long.Error()) != 256 {
		t.Fatalf("expected 256 bytes, got %d", len(long.Error()))
	}

	if SafeError(nil) != nil {
		t.Fatalf("expected nil")
	}
}
