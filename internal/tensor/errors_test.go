package tensor

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorKinds(t *testing.T) {
	if !errors.Is(ShapeErrf("bad"), ErrShapeMismatch) {
		t.Error("ShapeErrf should match ErrShapeMismatch")
	}
	if !errors.Is(PreconditionErrf("bad"), ErrPrecondition) {
		t.Error("PreconditionErrf should match ErrPrecondition")
	}
	if !errors.Is(DTypeErrf("bad"), ErrUnsupportedDType) {
		t.Error("DTypeErrf should match ErrUnsupportedDType")
	}
	if !errors.Is(BackendErrf("bad"), ErrBackendUnsupported) {
		t.Error("BackendErrf should match ErrBackendUnsupported")
	}
}

func TestWrapBackendFailure(t *testing.T) {
	cause := fmt.Errorf("device lost")
	err := WrapBackendFailure(cause, "submit op %q", "softmax")

	if !errors.Is(err, ErrBackendFailure) {
		t.Error("wrapped error should match ErrBackendFailure")
	}
	if !errors.Is(err, cause) {
		t.Error("wrapped error should keep the driver error in the chain")
	}

	// Without a cause the kind still matches.
	bare := WrapBackendFailure(nil, "no adapter")
	if !errors.Is(bare, ErrBackendFailure) {
		t.Error("bare failure should match ErrBackendFailure")
	}
}
