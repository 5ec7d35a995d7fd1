package transfer

import (
	"testing"

	"github.com/bridgeflow/transfer-engine/internal/domain"
)

func TestBuildExtractQuery_NoParams(t *testing.T) {
	q, args, err := buildExtractQuery("SELECT * FROM src", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q != "SELECT * FROM src" {
		t.Fatalf("query should be unchanged, got %q", q)
	}
	if args != nil {
		t.Fatalf("expected no args, got %v", args)
	}
}

func TestBuildExtractQuery_Scalar(t *testing.T) {
	q, args, err := buildExtractQuery("SELECT * FROM src", []domain.Parameter{
		{Field: "status", Operator: domain.OpEQ, Value: "active"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q != "SELECT * FROM src WHERE status = @status" {
		t.Fatalf("unexpected query: %q", q)
	}
	if args["status"] != "active" {
		t.Fatalf("unexpected args: %v", args)
	}
}

func TestBuildExtractQuery_Between(t *testing.T) {
	q, args, err := buildExtractQuery("SELECT * FROM src", []domain.Parameter{
		{Field: "createdAt", Operator: domain.OpBETWEEN, Value: domain.BetweenValue{From: "2026-01-01", To: "2026-01-31"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "SELECT * FROM src WHERE createdAt BETWEEN @createdAt_from AND @createdAt_to"
	if q != want {
		t.Fatalf("got %q want %q", q, want)
	}
	if args["createdAt_from"] != "2026-01-01" || args["createdAt_to"] != "2026-01-31" {
		t.Fatalf("unexpected args: %v", args)
	}
}

func TestBuildExtractQuery_In(t *testing.T) {
	q, args, err := buildExtractQuery("SELECT * FROM src", []domain.Parameter{
		{Field: "region", Operator: domain.OpIN, Value: []string{"NA", "EU"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "SELECT * FROM src WHERE region IN (@region_0, @region_1)"
	if q != want {
		t.Fatalf("got %q want %q", q, want)
	}
	if args["region_0"] != "NA" || args["region_1"] != "EU" {
		t.Fatalf("unexpected args: %v", args)
	}
}

func TestBuildExtractQuery_MultipleClausesJoinedWithAnd(t *testing.T) {
	q, _, err := buildExtractQuery("SELECT * FROM src", []domain.Parameter{
		{Field: "a", Operator: domain.OpEQ, Value: 1},
		{Field: "b", Operator: domain.OpGT, Value: 2},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "SELECT * FROM src WHERE a = @a AND b > @b"
	if q != want {
		t.Fatalf("got %q want %q", q, want)
	}
}

func TestBuildExtractQuery_BetweenRejectsWrongShape(t *testing.T) {
	_, _, err := buildExtractQuery("SELECT * FROM src", []domain.Parameter{
		{Field: "a", Operator: domain.OpBETWEEN, Value: "not-a-range"},
	})
	if err == nil {
		t.Fatal("expected error for malformed BETWEEN value")
	}
}

func TestBuildExtractQuery_InRejectsNonSlice(t *testing.T) {
	_, _, err := buildExtractQuery("SELECT * FROM src", []domain.Parameter{
		{Field: "a", Operator: domain.OpIN, Value: "not-a-slice"},
	})
	if err == nil {
		t.Fatal("expected error for malformed IN value")
	}
}
