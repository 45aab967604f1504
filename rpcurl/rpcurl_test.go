package rpcurl

import (
	"testing"
	"time"
)

func TestParseBareAddress(t *testing.T) {
	u, err := Parse("127.0.0.1:8080")
	if err != nil {
		t.Fatal(err)
	}
	if u.IP != "127.0.0.1" || u.Port != 8080 {
		t.Fatalf("unexpected IP/Port: %+v", u)
	}
	if u.ConnectTimeout != DefaultConnectTimeout {
		t.Fatalf("expected default connect timeout, got %v", u.ConnectTimeout)
	}
	if u.ConnNum != DefaultConnNum {
		t.Fatalf("expected default conn num, got %d", u.ConnNum)
	}
	if u.Address() != "127.0.0.1:8080" {
		t.Fatalf("unexpected Address(): %s", u.Address())
	}
}

func TestParseWithOptions(t *testing.T) {
	u, err := Parse("10.0.0.1:9000?_CONNECTTIMEOUT=500&_PROTOCOL=1&_CONNECTIONNUM=4&_CONNECTIONWARMUP=true&_IDLETIMEOUT=2000")
	if err != nil {
		t.Fatal(err)
	}
	if u.ConnectTimeout != 500*time.Millisecond {
		t.Fatalf("expected 500ms connect timeout, got %v", u.ConnectTimeout)
	}
	if u.ProtocolCode != 1 {
		t.Fatalf("expected protocol code 1, got %d", u.ProtocolCode)
	}
	if u.ConnNum != 4 {
		t.Fatalf("expected conn num 4, got %d", u.ConnNum)
	}
	if !u.ConnWarmup {
		t.Fatal("expected warmup true")
	}
	if u.IdleTimeout != 2*time.Second {
		t.Fatalf("expected 2s idle timeout, got %v", u.IdleTimeout)
	}
}

func TestParseRejectsMissingPort(t *testing.T) {
	if _, err := Parse("127.0.0.1"); err == nil {
		t.Fatal("expected an error for a missing port")
	}
}

func TestParseRejectsBadOptionValue(t *testing.T) {
	if _, err := Parse("127.0.0.1:8080?_PROTOCOL=not-a-number"); err == nil {
		t.Fatal("expected an error for a malformed option value")
	}
}

func TestUniqueKeyNormalizesDefaultProtocol(t *testing.T) {
	a, err := Parse("127.0.0.1:8080")
	if err != nil {
		t.Fatal(err)
	}
	b, err := Parse("127.0.0.1:8080?_PROTOCOL=0&_CONNECTIONNUM=1")
	if err != nil {
		t.Fatal(err)
	}
	if a.UniqueKey() != b.UniqueKey() {
		t.Fatalf("expected matching UniqueKey for equivalent defaults: %q vs %q", a.UniqueKey(), b.UniqueKey())
	}
}

func TestUniqueKeyDiffersByProtocolCode(t *testing.T) {
	a, err := Parse("127.0.0.1:8080?_PROTOCOL=1")
	if err != nil {
		t.Fatal(err)
	}
	b, err := Parse("127.0.0.1:8080?_PROTOCOL=2")
	if err != nil {
		t.Fatal(err)
	}
	if a.UniqueKey() == b.UniqueKey() {
		t.Fatal("expected different protocol codes to produce different UniqueKeys")
	}
}
