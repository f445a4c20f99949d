package naming

import "testing"

const (
	testUser    = "11111111-1111-1111-1111-111111111111"
	testProject = "22222222-2222-2222-2222-222222222222"
)

func TestProjectPath(t *testing.T) {
	got := ProjectPath(testUser, testProject)
	want := "users/" + testUser + "/" + testProject
	if got != want {
		t.Fatalf("ProjectPath() = %q, want %q", got, want)
	}
}

func TestContainerNameRoundTrip(t *testing.T) {
	for _, mode := range []Mode{ModeDocker, ModeKubernetes} {
		name, err := ContainerName(mode, testUser, testProject)
		if err != nil {
			t.Fatalf("ContainerName(%s): %v", mode, err)
		}
		gotUser, gotProject, gotMode, err := ParseContainerName(name)
		if err != nil {
			t.Fatalf("ParseContainerName(%q): %v", name, err)
		}
		if gotUser != testUser || gotProject != testProject || gotMode != mode {
			t.Fatalf("round trip mismatch: got (%s,%s,%s), want (%s,%s,%s)",
				gotUser, gotProject, gotMode, testUser, testProject, mode)
		}
	}
}

func TestContainerNameDocker(t *testing.T) {
	name, err := ContainerName(ModeDocker, testUser, testProject)
	if err != nil {
		t.Fatal(err)
	}
	want := "tesslate-dev-" + testUser + "-" + testProject
	if name != want {
		t.Fatalf("got %q, want %q", name, want)
	}
}

func TestContainerNameKubernetesIsDNS1123(t *testing.T) {
	name, err := ContainerName(ModeKubernetes, testUser, testProject)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range name {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-') {
			t.Fatalf("name %q contains non-DNS-1123 rune %q", name, r)
		}
	}
}

func TestContainerNameMissingArgs(t *testing.T) {
	if _, err := ContainerName(ModeDocker, "", testProject); err == nil {
		t.Fatal("expected error for empty user")
	}
	if _, err := ContainerName(ModeDocker, testUser, ""); err == nil {
		t.Fatal("expected error for empty project")
	}
}

func TestParseContainerNameMalformed(t *testing.T) {
	cases := []string{"", "not-a-known-prefix", "tesslate-dev-tooshort", dockerPrefix + "only-one-segment"}
	for _, c := range cases {
		if _, _, _, err := ParseContainerName(c); err == nil {
			t.Fatalf("expected error parsing %q", c)
		}
	}
}

func TestHostname(t *testing.T) {
	if got := Hostname(testUser, testProject, "myapp", "dev.example.com"); got != "myapp.dev.example.com" {
		t.Fatalf("got %q", got)
	}
	want := testUser + "-" + testProject + ".dev.example.com"
	if got := Hostname(testUser, testProject, "", "dev.example.com"); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if got := Hostname(testUser, testProject, "myapp", ""); got != "myapp" {
		t.Fatalf("got %q", got)
	}
}

func TestProjectKey(t *testing.T) {
	got := ProjectKey(testUser, testProject)
	want := "user-" + testUser + "-project-" + testProject
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestTraefikServiceName(t *testing.T) {
	name := TraefikServiceName(testUser, testProject)
	if name == "" {
		t.Fatal("expected non-empty name")
	}
	for _, r := range name {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-') {
			t.Fatalf("name %q contains non-DNS-1123 rune %q", name, r)
		}
	}
}
