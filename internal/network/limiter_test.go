package network

import "testing"

func TestIPLimiterConnCap(t *testing.T) {
	lim := newIPLimiter(1)
	release, ok := lim.acquire("1.2.3.4")
	if !ok {
		t.Fatalf("expected first conn acquire")
	}
	if _, ok := lim.acquire("1.2.3.4"); ok {
		t.Fatalf("expected conn cap")
	}
	release()
	release()
	if lim.active("1.2.3.4") != 0 {
		t.Fatalf("double release went negative or kept count")
	}
	if _, ok := lim.acquire("1.2.3.4"); !ok {
		t.Fatalf("expected acquire after release")
	}
}

func TestIPLimiterSeparateIPs(t *testing.T) {
	lim := newIPLimiter(1)
	if _, ok := lim.acquire("1.2.3.4"); !ok {
		t.Fatalf("expected first conn")
	}
	if _, ok := lim.acquire("2.3.4.5"); !ok {
		t.Fatalf("expected separate ip conn")
	}
}

func TestIPLimiterDisabled(t *testing.T) {
	lim := newIPLimiter(0)
	for i := 0; i < 10; i++ {
		if _, ok := lim.acquire("1.2.3.4"); !ok {
			t.Fatalf("disabled limiter refused")
		}
	}
}
