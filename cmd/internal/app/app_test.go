package app

import (
	"testing"

	"domus/cmd/internal/directory"
)

func TestRuntimeBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "explicit localhost", in: "127.0.0.1:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v4", in: "0.0.0.0:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v6", in: "[::]:9090", want: "http://127.0.0.1:9090"},
		{name: "ipv6 host", in: "[2001:db8::1]:9090", want: "http://[2001:db8::1]:9090"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := runtimeBaseURL(tc.in)
			if got != tc.want {
				t.Fatalf("runtimeBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
			}
		})
	}
}

func TestWSBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "http://127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
		{in: "https://domus.example.com", want: "wss://domus.example.com"},
		{in: "127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
	}

	for _, tc := range cases {
		got := wsBaseURL(tc.in)
		if got != tc.want {
			t.Fatalf("wsBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func TestSeedResidents(t *testing.T) {
	t.Parallel()

	dir := directory.NewInMemoryDirectory()
	n := seedResidents(dir, "mgr-1:manager:0, res-1:resident:12,res-2:resident:12, bad, :resident:3, res-3::7")
	if n != 4 {
		t.Fatalf("seeded=%d want=4", n)
	}

	mgrs, err := dir.UsersByRole(t.Context(), "manager")
	if err != nil {
		t.Fatalf("UsersByRole: %v", err)
	}
	if len(mgrs) != 1 || mgrs[0] != "mgr-1" {
		t.Fatalf("managers=%v", mgrs)
	}

	unit, err := dir.ResidentsOfUnit(t.Context(), 12)
	if err != nil {
		t.Fatalf("ResidentsOfUnit: %v", err)
	}
	if len(unit) != 2 {
		t.Fatalf("unit 12 residents=%v", unit)
	}

	all, err := dir.AllResidents(t.Context())
	if err != nil {
		t.Fatalf("AllResidents: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("all=%v", all)
	}

	// Empty role falls back to resident.
	residents, err := dir.UsersByRole(t.Context(), "resident")
	if err != nil {
		t.Fatalf("UsersByRole: %v", err)
	}
	if len(residents) != 3 {
		t.Fatalf("residents=%v", residents)
	}
}
