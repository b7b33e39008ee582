package federation

import (
	"context"
	"errors"
	"testing"
)

func TestRepositoriesListsUserRepos(t *testing.T) {
	fp := newFakeProvider(t)
	fp.repos = `[{"name":"traces","full_name":"octo/traces","html_url":"https://github.com/octo/traces","private":true,"default_branch":"main","updated_at":"2026-01-02T03:04:05Z"}]`
	ex := newTestExchanger(t, nil, 0, fp.githubDescriptor())

	repos, err := ex.Repositories(context.Background(), ProviderGitHub, "provider-access")
	if err != nil {
		t.Fatalf("Repositories: %v", err)
	}
	if len(repos) != 1 || repos[0].FullName != "octo/traces" || !repos[0].Private || repos[0].DefaultBranch != "main" {
		t.Fatalf("unexpected repositories: %+v", repos)
	}
	if repos[0].UpdatedAt.IsZero() {
		t.Fatalf("updated_at not decoded")
	}
}

func TestRepositoriesRejectedToken(t *testing.T) {
	fp := newFakeProvider(t)
	ex := newTestExchanger(t, nil, 0, fp.githubDescriptor())

	_, err := ex.Repositories(context.Background(), ProviderGitHub, "revoked")
	var rerr *ProviderRejectedError
	if !errors.As(err, &rerr) || rerr.Status != 401 || rerr.Detail != "Bad credentials" {
		t.Fatalf("expected provider rejection, got %v", err)
	}
}

func TestRepositoriesRequiresAPIAndToken(t *testing.T) {
	fp := newFakeProvider(t)
	ex := newTestExchanger(t, nil, 0, fp.githubDescriptor(), fp.oidcDescriptor())

	if _, err := ex.Repositories(context.Background(), ProviderSwitchEdu, "provider-access"); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("switchedu has no repository API, got %v", err)
	}
	if _, err := ex.Repositories(context.Background(), ProviderGitHub, ""); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("missing token should be a configuration error, got %v", err)
	}
	if _, err := ex.Repositories(context.Background(), "gitlab", "provider-access"); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("unknown provider, got %v", err)
	}
}

func TestRepositoriesUndecodableBody(t *testing.T) {
	fp := newFakeProvider(t)
	fp.repos = `{"not":"a list"}`
	ex := newTestExchanger(t, nil, 0, fp.githubDescriptor())

	if _, err := ex.Repositories(context.Background(), ProviderGitHub, "provider-access"); !errors.Is(err, ErrInvalidProfile) {
		t.Fatalf("expected ErrInvalidProfile, got %v", err)
	}
}

func TestRepositoryContentDecodesFile(t *testing.T) {
	fp := newFakeProvider(t)
	ex := newTestExchanger(t, nil, 0, fp.githubDescriptor())

	file, err := ex.RepositoryContent(context.Background(), ProviderGitHub, "provider-access", "octo", "traces", "README.md")
	if err != nil {
		t.Fatalf("RepositoryContent: %v", err)
	}
	if string(file.Content) != "# Traces\n" || file.Repository != "octo/traces" || file.SHA != "abc123" || file.Size != 9 {
		t.Fatalf("unexpected file: %+v %q", file, file.Content)
	}

	file, err = ex.RepositoryContent(context.Background(), ProviderGitHub, "provider-access", "octo", "traces", "/data/site plan.txt")
	if err != nil || string(file.Content) != "ok" {
		t.Fatalf("escaped path: %+v %v", file, err)
	}
}

func TestRepositoryContentRejections(t *testing.T) {
	fp := newFakeProvider(t)
	ex := newTestExchanger(t, nil, 0, fp.githubDescriptor())
	ctx := context.Background()

	if _, err := ex.RepositoryContent(ctx, ProviderGitHub, "provider-access", "octo", "traces", "docs"); !errors.Is(err, ErrInvalidProfile) {
		t.Fatalf("directory listing should not decode as a file, got %v", err)
	}
	var rerr *ProviderRejectedError
	if _, err := ex.RepositoryContent(ctx, ProviderGitHub, "provider-access", "octo", "traces", "missing.md"); !errors.As(err, &rerr) || rerr.Status != 404 {
		t.Fatalf("expected provider 404, got %v", err)
	}
	if _, err := ex.RepositoryContent(ctx, ProviderGitHub, "revoked", "octo", "traces", "README.md"); !errors.Is(err, ErrProviderRejected) {
		t.Fatalf("expected rejection for a revoked token, got %v", err)
	}
}

func TestRepositoryContentPathValidation(t *testing.T) {
	fp := newFakeProvider(t)
	ex := newTestExchanger(t, nil, 0, fp.githubDescriptor())

	cases := []struct{ owner, repo, path string }{
		{"octo", "traces", ""},
		{"octo", "traces", "../../user"},
		{"octo", "traces", "docs/./a.md"},
		{"octo", "traces", "a//b"},
		{"..", "traces", "README.md"},
		{"octo", "tra/ces", "README.md"},
		{"octo?x=1", "traces", "README.md"},
	}
	for _, c := range cases {
		if _, err := ex.RepositoryContent(context.Background(), ProviderGitHub, "provider-access", c.owner, c.repo, c.path); !errors.Is(err, ErrInvalidContentPath) {
			t.Fatalf("%s/%s/%s: expected ErrInvalidContentPath, got %v", c.owner, c.repo, c.path, err)
		}
	}
}
