package app_test

import (
	"context"
	"strings"
	"testing"

	"devflow/internal/app"
	"devflow/internal/engine"
)

func TestResolveProject(t *testing.T) {
	ctx := context.Background()
	ws, err := app.Open(ctx, t.TempDir(), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ws.Close()

	if _, err := ws.ResolveProject(ctx, ""); err == nil || !strings.Contains(err.Error(), "dfl init") {
		t.Fatalf("expected init hint, got %v", err)
	}
	p, _, err := ws.Engine.InitProject(ctx, engine.InitProjectOptions{Name: "demo"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	id, err := ws.ResolveProject(ctx, "")
	if err != nil || id != p.ID {
		t.Fatalf("resolve = %q, %v", id, err)
	}
	if _, err := ws.ResolveProject(ctx, "missing"); err == nil {
		t.Fatal("expected error for unknown project")
	}
	if _, _, err := ws.Engine.InitProject(ctx, engine.InitProjectOptions{Name: "second"}); err != nil {
		t.Fatal(err)
	}
	if _, err := ws.ResolveProject(ctx, ""); err == nil || !strings.Contains(err.Error(), "multiple") {
		t.Fatalf("expected ambiguity error, got %v", err)
	}
	if id, err := ws.ResolveProject(ctx, p.ID); err != nil || id != p.ID {
		t.Fatalf("override = %q, %v", id, err)
	}
}
