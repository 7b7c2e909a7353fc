package ids

import (
	"errors"
	"testing"

	"github.com/nlstn/go-fmodata/internal/fmerrors"
	"github.com/nlstn/go-fmodata/internal/metadata"
)

func withIDs() *metadata.Table {
	return metadata.MustTable("contacts", []metadata.Field{
		metadata.Text("name").WithID("FMFID:10"),
		metadata.Text("email").WithID("FMFID:11"),
	}, metadata.WithTableID("FMTID:1"))
}

func withoutIDs() *metadata.Table {
	return metadata.MustTable("users", []metadata.Field{metadata.Text("login")})
}

func TestTableAndField(t *testing.T) {
	covered := withIDs()
	plain := withoutIDs()

	tests := []struct {
		name   string
		got    string
		expect string
	}{
		{"table ids on", Table(covered, true), "FMTID:1"},
		{"table ids off", Table(covered, false), "contacts"},
		{"table without ids", Table(plain, true), "users"},
		{"field ids on", Field(covered, "email", true), "FMFID:11"},
		{"field ids off", Field(covered, "email", false), "email"},
		{"unknown field", Field(covered, "other", true), "other"},
	}
	for _, tt := range tests {
		if tt.got != tt.expect {
			t.Errorf("%s: got %q, want %q", tt.name, tt.got, tt.expect)
		}
	}
}

func TestResolve(t *testing.T) {
	yes, no := true, false

	tests := []struct {
		name    string
		tables  []*metadata.Table
		pinned  *bool
		want    bool
		wantErr bool
	}{
		{name: "all covered", tables: []*metadata.Table{withIDs()}, want: true},
		{name: "none covered", tables: []*metadata.Table{withoutIDs()}, want: false},
		{name: "mixed unpinned", tables: []*metadata.Table{withIDs(), withoutIDs()}, wantErr: true},
		{name: "mixed pinned false", tables: []*metadata.Table{withIDs(), withoutIDs()}, pinned: &no, want: false},
		{name: "mixed pinned true", tables: []*metadata.Table{withIDs(), withoutIDs()}, pinned: &yes, wantErr: true},
		{name: "dynamic ignored", tables: []*metadata.Table{withIDs(), metadata.Dynamic("x")}, want: true},
		{name: "empty", tables: nil, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(tt.tables, tt.pinned)
			if tt.wantErr {
				if !errors.Is(err, fmerrors.ErrConfig) {
					t.Fatalf("expected config error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Resolve() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCheck(t *testing.T) {
	if err := Check(withoutIDs(), true); !errors.Is(err, fmerrors.ErrConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
	if err := Check(withoutIDs(), false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := Check(withIDs(), true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestReverse(t *testing.T) {
	rev := Reverse(withIDs())
	if rev["FMFID:10"] != "name" || rev["FMFID:11"] != "email" || len(rev) != 2 {
		t.Errorf("unexpected reverse map %v", rev)
	}
}
