// Package profile はGitHubリポジトリ統計の取得とキャッシュ更新を提供する。
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/hitoshi/vets/internal/metrics"
	"github.com/hitoshi/vets/internal/model"
)

const (
	defaultAPIBase = "https://api.github.com"

	perPage  = 100
	maxPages = 10

	// topLanguages は保持する言語数。
	topLanguages = 5
)

// ErrGitHubUserNotFound はGitHub上にユーザーが存在しないことを示す。
var ErrGitHubUserNotFound = errors.New("github user not found")

// githubRepo は /users/{username}/repos の要素のうち利用する項目。
type githubRepo struct {
	StargazersCount int       `json:"stargazers_count"`
	Language        *string   `json:"language"`
	PushedAt        time.Time `json:"pushed_at"`
	Fork            bool      `json:"fork"`
}

// GitHubFetcher はGitHub REST APIからリポジトリ統計を集計する。
type GitHubFetcher struct {
	httpClient *http.Client
	apiBase    string // テスト用に差し替え可能
	metrics    metrics.MetricsCollector
}

// NewGitHubFetcher はGitHubFetcherを生成する。apiBaseが空の場合は https://api.github.com を使う。
func NewGitHubFetcher(httpClient *http.Client, apiBase string, m metrics.MetricsCollector) *GitHubFetcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	if m == nil {
		m = metrics.Nop{}
	}
	return &GitHubFetcher{httpClient: httpClient, apiBase: apiBase, metrics: m}
}

// FetchStats はユーザーの所有リポジトリを最大10ページ取得して統計を集計する。
// フォークはリポジトリ数・スター数・言語から除外し、最終活動日時には含める。
// ユーザーが存在しない場合はErrGitHubUserNotFoundを返す。
func (f *GitHubFetcher) FetchStats(ctx context.Context, username string) (model.ProfileStats, error) {
	var repos []githubRepo

	for page := 1; page <= maxPages; page++ {
		pageRepos, err := f.fetchPage(ctx, username, page)
		if err != nil {
			return model.ProfileStats{}, err
		}
		if len(pageRepos) == 0 {
			break
		}
		repos = append(repos, pageRepos...)
		if len(pageRepos) < perPage {
			break
		}
	}

	return aggregate(repos), nil
}

func (f *GitHubFetcher) fetchPage(ctx context.Context, username string, page int) ([]githubRepo, error) {
	const op = "list_repos"

	q := url.Values{
		"per_page": {strconv.Itoa(perPage)},
		"page":     {strconv.Itoa(page)},
		"type":     {"owner"},
	}
	reqURL := f.apiBase + "/users/" + url.PathEscape(username) + "/repos?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create repos request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", "vets.dev")

	start := time.Now()
	resp, err := f.httpClient.Do(req)
	if err != nil {
		f.metrics.RecordGitHubRequest(op, 0, time.Since(start))
		return nil, &model.UpstreamError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	f.metrics.RecordGitHubRequest(op, resp.StatusCode, time.Since(start))

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrGitHubUserNotFound, username)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &model.UpstreamError{Op: op, Status: resp.StatusCode, Err: errors.New("github api error")}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, &model.UpstreamError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("failed to read repos: %w", err)}
	}

	var repos []githubRepo
	if err := json.Unmarshal(body, &repos); err != nil {
		return nil, &model.UpstreamError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("failed to parse repos: %w", err)}
	}
	return repos, nil
}

// aggregate はリポジトリ一覧から統計値を計算する。
// 言語は所有リポジトリ数の多い順に上位5件。同数の場合は先に現れた言語を優先する。
func aggregate(repos []githubRepo) model.ProfileStats {
	stats := model.ProfileStats{Languages: []string{}}

	type langCount struct {
		name  string
		count int
	}
	var langs []langCount
	index := map[string]int{}

	for _, r := range repos {
		if stats.LastActivity == nil || r.PushedAt.After(*stats.LastActivity) {
			pushed := r.PushedAt
			stats.LastActivity = &pushed
		}
		if r.Fork {
			continue
		}
		stats.ReposCount++
		stats.StarsCount += r.StargazersCount
		if r.Language == nil || *r.Language == "" {
			continue
		}
		if i, ok := index[*r.Language]; ok {
			langs[i].count++
		} else {
			index[*r.Language] = len(langs)
			langs = append(langs, langCount{name: *r.Language, count: 1})
		}
	}

	sort.SliceStable(langs, func(i, j int) bool {
		return langs[i].count > langs[j].count
	})
	for i := 0; i < len(langs) && i < topLanguages; i++ {
		stats.Languages = append(stats.Languages, langs[i].name)
	}

	return stats
}
