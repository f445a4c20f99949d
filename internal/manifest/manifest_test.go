package manifest

import "testing"

func TestParsePortAndCommand(t *testing.T) {
	content := "**Port**: 3000\n**Start Command**:\n```bash\ncd backend && uvicorn main:app &\ncd frontend && npm run dev\n```\n"
	s := Parse(content)
	if !s.HasPort || s.Port != 3000 {
		t.Fatalf("port = %d, hasPort = %v", s.Port, s.HasPort)
	}
	want := "(cd /app/backend && uvicorn main:app) & (cd /app/frontend && npm run dev)"
	if s.StartCommand != want {
		t.Fatalf("got %q, want %q", s.StartCommand, want)
	}
}

func TestParseAllBackgroundedAppendsWait(t *testing.T) {
	content := "**Start Command**:\n```bash\ncd api && go run . &\ncd web && npm run dev &\n```\n"
	s := Parse(content)
	want := "(cd /app/api && go run .) & (cd /app/web && npm run dev) & wait"
	if s.StartCommand != want {
		t.Fatalf("got %q, want %q", s.StartCommand, want)
	}
}

func TestParseNoBackgroundLeavesLinesUnchanged(t *testing.T) {
	content := "**Start Command**:\n```bash\nnpm install --silent\nnpm run dev\n```\n"
	s := Parse(content)
	want := "npm install --silent\nnpm run dev"
	if s.StartCommand != want {
		t.Fatalf("got %q, want %q", s.StartCommand, want)
	}
}

func TestParseDropsCommentsAndBlankLines(t *testing.T) {
	content := "**Start Command**:\n```bash\n# a comment\n\nnpm run dev\n```\n"
	s := Parse(content)
	if s.StartCommand != "npm run dev" {
		t.Fatalf("got %q", s.StartCommand)
	}
}

func TestParseAbsoluteCdUnchanged(t *testing.T) {
	content := "**Start Command**:\n```bash\ncd /opt/app && make run &\n```\n"
	s := Parse(content)
	want := "(cd /opt/app && make run) & wait"
	if s.StartCommand != want {
		t.Fatalf("got %q, want %q", s.StartCommand, want)
	}
}

func TestParseMissingSectionsYieldsDefaults(t *testing.T) {
	s := Parse("just some text, no manifest directives")
	if s.HasPort || s.HasCommand {
		t.Fatalf("expected no port/command parsed, got %+v", s)
	}
}
