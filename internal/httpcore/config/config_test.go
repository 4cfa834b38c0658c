package config

import "testing"

func TestDefaultsValidate(t *testing.T) {
	errs, _ := DefaultServerConfig().Validate()
	if len(errs) != 0 {
		t.Fatalf("expected no errors for defaults, got %v", errs)
	}
}

func TestApplyDefaultsIdempotent(t *testing.T) {
	zero := ServerConfig{}
	once := ApplyDefaults(zero)
	twice := ApplyDefaults(once)

	if once != twice {
		t.Fatalf("ApplyDefaults not idempotent: once=%+v twice=%+v", once, twice)
	}

	if errs, _ := once.Validate(); len(errs) != 0 {
		t.Fatalf("expected repaired config to validate cleanly, got %v", errs)
	}
}

func TestValidateRejectsMinGreaterThanMax(t *testing.T) {
	c := DefaultServerConfig()
	c.MinConnections = 50
	c.MaxConnections = 10

	errs, _ := c.Validate()
	if len(errs) == 0 {
		t.Fatal("expected an error for min > max")
	}
}

func TestValidateWarnsOnLowIdleTimeout(t *testing.T) {
	c := DefaultServerConfig()
	c.IdleTimeout = 5000000000 // 5s, below the 60s warning threshold

	errs, warnings := c.Validate()
	if len(errs) != 0 {
		t.Fatalf("expected no hard errors, got %v", errs)
	}
	if len(warnings) == 0 {
		t.Fatal("expected a warning for low idle_timeout")
	}
}

func TestApplyDefaultsClampsMinToMax(t *testing.T) {
	c := DefaultServerConfig()
	c.MinConnections = 200
	c.MaxConnections = 100

	fixed := ApplyDefaults(c)
	if fixed.MinConnections > fixed.MaxConnections {
		t.Fatalf("expected min <= max after repair, got min=%d max=%d", fixed.MinConnections, fixed.MaxConnections)
	}
}
