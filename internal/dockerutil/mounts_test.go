package dockerutil

import (
	"testing"

	"github.com/docker/docker/api/types"
)

func TestTranslateToHostPath(t *testing.T) {
	cases := []struct {
		name, containerPath, containerRoot, hostRoot, want string
	}{
		{"exact root", "/app/users", "/app/users", "/srv/devplane/users", "/srv/devplane/users"},
		{"nested", "/app/users/u1/p1", "/app/users", "/srv/devplane/users", "/srv/devplane/users/u1/p1"},
		{"outside root unchanged", "/tmp/other", "/app/users", "/srv/devplane/users", "/tmp/other"},
		{"missing inputs unchanged", "/app/users/u1", "", "/srv/devplane/users", "/app/users/u1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := TranslateToHostPath(tc.containerPath, tc.containerRoot, tc.hostRoot)
			if got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestFindMountSource(t *testing.T) {
	info := &types.ContainerJSON{
		Base: &types.ContainerJSONBase{},
	}
	info.Mounts = []types.MountPoint{
		{Destination: "/app/users", Source: "/srv/devplane/users"},
		{Destination: "/var/run/docker.sock", Source: "/var/run/docker.sock"},
	}
	src, err := findMountSource(info, "/app/users")
	if err != nil {
		t.Fatal(err)
	}
	if src != "/srv/devplane/users" {
		t.Fatalf("got %q", src)
	}
	if _, err := findMountSource(info, "/nope"); err == nil {
		t.Fatal("expected error for missing mount")
	}
}

func TestBuildEnvironmentMounts(t *testing.T) {
	mounts := BuildEnvironmentMounts(EnvironmentMountPlan{ProjectHostPath: "/srv/devplane/users/u1/p1"})
	if len(mounts) != 1 || mounts[0].Target != "/app" {
		t.Fatalf("unexpected mounts: %+v", mounts)
	}
	if empty := BuildEnvironmentMounts(EnvironmentMountPlan{}); empty != nil {
		t.Fatalf("expected nil mounts for empty plan, got %+v", empty)
	}
}
