package builtin

import (
	"context"
	"testing"

	"github.com/hiveorch/hive/internal/plugin"
)

func TestRateLimitMiddlewareAllowsWithinBurst(t *testing.T) {
	m := NewRateLimitMiddleware()
	if err := m.Init(map[string]any{"requests_per_second": 1.0, "burst": 2}); err != nil {
		t.Fatal(err)
	}

	req := &plugin.RequestView{Remote: "1.2.3.4:1111"}
	for i := 0; i < 2; i++ {
		result, err := m.ProcessRequest(context.Background(), req)
		if err != nil {
			t.Fatal(err)
		}
		if !result.Continue {
			t.Fatalf("request %d: expected Continue within burst", i)
		}
	}
}

func TestRateLimitMiddlewareBlocksOverBurst(t *testing.T) {
	m := NewRateLimitMiddleware()
	if err := m.Init(map[string]any{"requests_per_second": 1.0, "burst": 1}); err != nil {
		t.Fatal(err)
	}

	req := &plugin.RequestView{Remote: "5.6.7.8:2222"}
	if result, _ := m.ProcessRequest(context.Background(), req); !result.Continue {
		t.Fatal("first request should be allowed")
	}
	result, err := m.ProcessRequest(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if result.Continue {
		t.Fatal("second immediate request should be blocked")
	}
	if result.StatusCode != 429 {
		t.Errorf("status = %d, want 429", result.StatusCode)
	}
}

func TestRateLimitMiddlewareIsolatesKeys(t *testing.T) {
	m := NewRateLimitMiddleware()
	if err := m.Init(map[string]any{"requests_per_second": 1.0, "burst": 1}); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if result, _ := m.ProcessRequest(ctx, &plugin.RequestView{Remote: "a:1"}); !result.Continue {
		t.Fatal("client a should be allowed")
	}
	if result, _ := m.ProcessRequest(ctx, &plugin.RequestView{Remote: "b:1"}); !result.Continue {
		t.Fatal("client b should be allowed independently of a")
	}
}
