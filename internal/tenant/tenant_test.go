package tenant

import (
	"context"
	"testing"
)

func TestStaticResolver(t *testing.T) {
	r := NewStaticResolver()
	r.Add("sk-abc", &Tenant{ID: "tenant-1"})

	tn, err := r.Resolve(context.Background(), "sk-abc")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if tn == nil || tn.ID != "tenant-1" {
		t.Fatalf("got %+v, want tenant-1", tn)
	}

	// Unknown key is nil tenant, nil error.
	tn, err = r.Resolve(context.Background(), "sk-unknown")
	if err != nil || tn != nil {
		t.Fatalf("unknown key: got (%+v, %v), want (nil, nil)", tn, err)
	}

	// Empty and whitespace keys never resolve.
	tn, err = r.Resolve(context.Background(), "   ")
	if err != nil || tn != nil {
		t.Fatalf("blank key: got (%+v, %v), want (nil, nil)", tn, err)
	}

	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestStaticResolver_Overwrite(t *testing.T) {
	r := NewStaticResolver()
	r.Add("sk-abc", &Tenant{ID: "old"})
	r.Add("sk-abc", &Tenant{ID: "new"})

	tn, _ := r.Resolve(context.Background(), "sk-abc")
	if tn.ID != "new" {
		t.Errorf("got %q, want later registration to win", tn.ID)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestLimit(t *testing.T) {
	var nilTenant *Tenant
	if got := nilTenant.Limit("chat-completions"); got != 0 {
		t.Errorf("nil tenant limit = %d, want 0", got)
	}

	tn := &Tenant{ID: "t"}
	if got := tn.Limit("chat-completions"); got != 0 {
		t.Errorf("no limits configured = %d, want 0", got)
	}

	tn.RateLimits = map[string]int{"chat-completions": 60}
	if got := tn.Limit("chat-completions"); got != 60 {
		t.Errorf("limit = %d, want 60", got)
	}
	if got := tn.Limit("embeddings"); got != 0 {
		t.Errorf("unknown capability = %d, want 0", got)
	}
}
