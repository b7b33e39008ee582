package federation

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxRepositoryBytes = 4 << 20

// ErrInvalidContentPath reports a repository name or file path that cannot
// be forwarded to the provider API.
var ErrInvalidContentPath = errors.New("federation: malformed repository or content path")

var repoNamePart = regexp.MustCompile(`^[A-Za-z0-9._-]{1,100}$`)

// Repository is the subset of a GitHub repository the catalogue links records to.
type Repository struct {
	Name          string    `json:"name"`
	FullName      string    `json:"full_name"`
	HTMLURL       string    `json:"html_url"`
	Description   string    `json:"description,omitempty"`
	Private       bool      `json:"private"`
	DefaultBranch string    `json:"default_branch,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// RepositoryFile is one decoded file from a repository.
type RepositoryFile struct {
	Repository string `json:"repository"`
	Path       string `json:"path"`
	SHA        string `json:"sha,omitempty"`
	Size       int    `json:"size"`
	Content    []byte `json:"-"`
}

// Repositories lists the repositories visible to accessToken on providerID's
// API. Only providers with an API URL support it; errors follow the exchange
// taxonomy.
func (e *Exchanger) Repositories(ctx context.Context, providerID, accessToken string) ([]Repository, error) {
	body, err := e.apiGet(ctx, "federation.repositories", providerID, accessToken, "/user/repos?sort=updated&per_page=100")
	if err != nil {
		return nil, err
	}
	repos := []Repository{}
	if err := json.Unmarshal(body, &repos); err != nil {
		return nil, invalidProfile("decode repositories: %v", err)
	}
	return repos, nil
}

// RepositoryContent fetches one file from owner/repo at the default branch.
// Directories and non-base64 payloads are rejected as ErrInvalidProfile.
func (e *Exchanger) RepositoryContent(ctx context.Context, providerID, accessToken, owner, repo, filePath string) (RepositoryFile, error) {
	escaped, err := contentPath(owner, repo, filePath)
	if err != nil {
		return RepositoryFile{}, err
	}
	body, err := e.apiGet(ctx, "federation.repository_content", providerID, accessToken, escaped)
	if err != nil {
		return RepositoryFile{}, err
	}

	var payload struct {
		Type     string `json:"type"`
		Encoding string `json:"encoding"`
		Content  string `json:"content"`
		Path     string `json:"path"`
		SHA      string `json:"sha"`
		Size     int    `json:"size"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return RepositoryFile{}, invalidProfile("decode content: %v", err)
	}
	if payload.Type != "file" {
		return RepositoryFile{}, invalidProfile("%s/%s/%s is not a file", owner, repo, filePath)
	}
	if payload.Encoding != "base64" {
		return RepositoryFile{}, invalidProfile("unsupported content encoding %q", payload.Encoding)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(payload.Content, "\n", ""))
	if err != nil {
		return RepositoryFile{}, invalidProfile("decode content: %v", err)
	}
	return RepositoryFile{
		Repository: owner + "/" + repo,
		Path:       payload.Path,
		SHA:        payload.SHA,
		Size:       len(raw),
		Content:    raw,
	}, nil
}

// contentPath builds the escaped /repos/{owner}/{repo}/contents/{path} suffix.
func contentPath(owner, repo, filePath string) (string, error) {
	for _, part := range []string{owner, repo} {
		if !repoNamePart.MatchString(part) || part == "." || part == ".." {
			return "", fmt.Errorf("%w: repository %q/%q", ErrInvalidContentPath, owner, repo)
		}
	}
	filePath = strings.Trim(filePath, "/")
	if filePath == "" {
		return "", fmt.Errorf("%w: empty file path", ErrInvalidContentPath)
	}
	segments := strings.Split(filePath, "/")
	for i, seg := range segments {
		if seg == "" || seg == "." || seg == ".." {
			return "", fmt.Errorf("%w: file path %q", ErrInvalidContentPath, filePath)
		}
		segments[i] = url.PathEscape(seg)
	}
	return "/repos/" + owner + "/" + repo + "/contents/" + strings.Join(segments, "/"), nil
}

// apiGet performs an authenticated GET against the provider API and returns
// the body of a 2xx response.
func (e *Exchanger) apiGet(ctx context.Context, spanName, providerID, accessToken, path string) ([]byte, error) {
	desc, err := e.providers.Describe(providerID)
	if err != nil {
		return nil, err
	}
	if desc.APIURL == "" {
		return nil, fmt.Errorf("%w: provider %q has no repository API", ErrConfiguration, providerID)
	}
	if accessToken == "" {
		return nil, fmt.Errorf("%w: no access token retained for %q", ErrConfiguration, providerID)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	ctx, span := e.tracer.Start(ctx, spanName,
		trace.WithAttributes(attribute.String("provider", desc.ID)))
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(desc.APIURL, "/")+path, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build api request: %v", ErrConfiguration, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := e.client.Do(req)
	if err != nil {
		span.SetStatus(codes.Error, "request failed")
		return nil, networkError("call provider api", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRepositoryBytes))
	if err != nil {
		return nil, networkError("read provider api response", err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		span.SetStatus(codes.Error, "provider rejected")
		code, detail := providerDetail(body)
		return nil, &ProviderRejectedError{
			Provider: desc.ID,
			Status:   resp.StatusCode,
			Code:     code,
			Detail:   detail,
		}
	}
	return body, nil
}
