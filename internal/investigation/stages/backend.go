package stages

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"bugpilot/internal/shared/model"

	"gopkg.in/yaml.v3"
)

// ============================================================================
// 数据源接口
// ============================================================================

// Evidence 代码检索命中
type Evidence struct {
	FilePath string `json:"file_path"`
	Line     int    `json:"line"`
	Snippet  string `json:"snippet"`
	Query    string `json:"query"`
}

// CodeSearcher 代码检索
type CodeSearcher interface {
	SearchCode(ctx context.Context, repo, query string, limit int) ([]Evidence, error)
}

// DocHit 文档检索命中
type DocHit struct {
	FilePath string   `json:"file_path"`
	Excerpt  string   `json:"excerpt"`
	Sections []string `json:"sections,omitempty"`
}

// DocSearcher 文档检索；返回命中与扫描过的文档总数
type DocSearcher interface {
	SearchDocs(ctx context.Context, query string, limit int) ([]DocHit, int, error)
}

// LogRecord 一条日志事件
type LogRecord struct {
	EventID   string `json:"event_id" yaml:"event_id"`
	Timestamp string `json:"timestamp" yaml:"timestamp"`
	Level     string `json:"level" yaml:"level"`
	Message   string `json:"message" yaml:"message"`
}

// LogSource 日志查询；返回命中与扫描过的事件总数
type LogSource interface {
	QueryLogs(ctx context.Context, keywords []string, limit int) ([]LogRecord, int, error)
}

// Proposal 待发布的补丁
type Proposal struct {
	Repo   string
	Branch string
	Title  string
	Body   string
	Diff   string
	Files  []string
}

// PRPublisher 发布补丁（推分支并创建草稿 PR）
type PRPublisher interface {
	Publish(ctx context.Context, p Proposal) (*model.PatchResult, error)
}

// ============================================================================
// DirSearcher - 本地目录检索
// ============================================================================

// DirSearcher 在本地目录中按关键词检索，同时实现 CodeSearcher 与 DocSearcher
//
// Root 下若存在与 repo 同名（owner/name）的子目录，则只在该子目录中检索代码。
type DirSearcher struct {
	Root     string
	CodeExts []string
	DocExts  []string
	// MaxFileSize 超过该大小的文件跳过
	MaxFileSize int64
}

var (
	_ CodeSearcher = (*DirSearcher)(nil)
	_ DocSearcher  = (*DirSearcher)(nil)
)

var defaultCodeExts = []string{".go", ".py", ".ts", ".tsx", ".js", ".java", ".rb", ".rs", ".sql", ".yaml", ".yml"}
var defaultDocExts = []string{".md", ".rst", ".txt"}

var skipDirs = map[string]bool{".git": true, "node_modules": true, "vendor": true, "dist": true, "build": true}

// NewDirSearcher 创建目录检索
func NewDirSearcher(root string) *DirSearcher {
	return &DirSearcher{Root: root, CodeExts: defaultCodeExts, DocExts: defaultDocExts, MaxFileSize: 1 << 20}
}

// SearchCode 实现 CodeSearcher
func (d *DirSearcher) SearchCode(ctx context.Context, repo, query string, limit int) ([]Evidence, error) {
	root := d.Root
	if repo != "" {
		if fi, err := os.Stat(filepath.Join(d.Root, filepath.FromSlash(repo))); err == nil && fi.IsDir() {
			root = filepath.Join(d.Root, filepath.FromSlash(repo))
		}
	}
	terms := queryTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}

	var out []Evidence
	err := d.walk(ctx, root, d.CodeExts, func(rel string, lines []string) bool {
		for i, line := range lines {
			if !containsAny(line, terms) {
				continue
			}
			out = append(out, Evidence{
				FilePath: rel,
				Line:     i + 1,
				Snippet:  window(lines, i, 2),
				Query:    query,
			})
			if limit > 0 && len(out) >= limit {
				return false
			}
		}
		return true
	})
	return out, err
}

// SearchDocs 实现 DocSearcher
func (d *DirSearcher) SearchDocs(ctx context.Context, query string, limit int) ([]DocHit, int, error) {
	terms := queryTerms(query)
	var (
		out     []DocHit
		scanned int
	)
	err := d.walk(ctx, d.Root, d.DocExts, func(rel string, lines []string) bool {
		scanned++
		var (
			sections []string
			excerpt  string
			heading  string
		)
		for i, line := range lines {
			if strings.HasPrefix(line, "#") {
				heading = strings.TrimSpace(strings.TrimLeft(line, "#"))
			}
			if len(terms) == 0 || !containsAny(line, terms) {
				continue
			}
			if excerpt == "" {
				excerpt = window(lines, i, 1)
			}
			if heading != "" && !contains(sections, heading) {
				sections = append(sections, heading)
			}
		}
		if excerpt != "" {
			out = append(out, DocHit{FilePath: rel, Excerpt: excerpt, Sections: sections})
		}
		return limit <= 0 || len(out) < limit
	})
	return out, scanned, err
}

var errStopWalk = errors.New("stop walk")

// walk 遍历 root 下扩展名匹配的文件，visit 返回 false 时停止
func (d *DirSearcher) walk(ctx context.Context, root string, exts []string, visit func(rel string, lines []string) bool) error {
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if entry.IsDir() {
			if skipDirs[entry.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !hasExt(path, exts) {
			return nil
		}
		if info, err := entry.Info(); err != nil || (d.MaxFileSize > 0 && info.Size() > d.MaxFileSize) {
			return nil
		}
		lines, err := readLines(path)
		if err != nil {
			return nil
		}
		rel, _ := filepath.Rel(d.Root, path)
		if !visit(filepath.ToSlash(rel), lines) {
			return errStopWalk
		}
		return nil
	})
	if errors.Is(err, errStopWalk) {
		return nil
	}
	return err
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines, sc.Err()
}

// ============================================================================
// MemoryLogs - 内存日志源
// ============================================================================

// MemoryLogs 固定日志集合，用于离线运行与测试
type MemoryLogs struct {
	Records []LogRecord
}

var _ LogSource = (*MemoryLogs)(nil)

// LoadLogsFile 从 YAML（或 JSON）文件加载日志记录列表
func LoadLogsFile(path string) (*MemoryLogs, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var records []LogRecord
	if err := yaml.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &MemoryLogs{Records: records}, nil
}

// QueryLogs 实现 LogSource：任一关键词命中即返回
func (m *MemoryLogs) QueryLogs(ctx context.Context, keywords []string, limit int) ([]LogRecord, int, error) {
	terms := make([]string, 0, len(keywords))
	for _, k := range keywords {
		terms = append(terms, strings.ToLower(k))
	}
	var out []LogRecord
	for _, r := range m.Records {
		if containsAny(r.Message, terms) {
			out = append(out, r)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, len(m.Records), ctx.Err()
}

// ============================================================================
// DryRunPublisher
// ============================================================================

// DryRunPublisher 不推送分支，只记录补丁内容
type DryRunPublisher struct{}

var _ PRPublisher = DryRunPublisher{}

// Publish 实现 PRPublisher
func (DryRunPublisher) Publish(ctx context.Context, p Proposal) (*model.PatchResult, error) {
	return &model.PatchResult{
		Status:       model.PatchCreated,
		Branch:       p.Branch,
		ChangedFiles: p.Files,
		Diff:         p.Diff,
		DraftPR:      &model.DraftPR{Status: "dry_run"},
	}, nil
}

// ============================================================================
// 关键词工具
// ============================================================================

var stopwords = map[string]bool{
	"when": true, "with": true, "that": true, "this": true, "from": true, "have": true,
	"after": true, "before": true, "does": true, "into": true,
	"there": true, "their": true, "should": true, "would": true, "could": true,
	"about": true, "which": true, "while": true, "only": true, "some": true,
}

// Keywords 从缺陷标题、正文与分诊模块中提取检索关键词
func Keywords(issue model.Issue, triage *model.TriageResult, max int) []string {
	seen := map[string]bool{}
	var out []string
	add := func(w string) {
		w = strings.ToLower(w)
		if len(w) < 4 || stopwords[w] || seen[w] {
			return
		}
		seen[w] = true
		out = append(out, w)
	}
	if triage != nil && triage.LikelyModule != "" && triage.LikelyModule != "unknown" {
		add(triage.LikelyModule)
	}
	for _, text := range []string{issue.Title, issue.Body} {
		for _, w := range strings.FieldsFunc(text, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
		}) {
			add(w)
		}
	}
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out
}

func queryTerms(query string) []string {
	var terms []string
	for _, f := range strings.Fields(strings.ToLower(query)) {
		if len(f) >= 3 {
			terms = append(terms, f)
		}
	}
	return terms
}

func containsAny(s string, lowerTerms []string) bool {
	ls := strings.ToLower(s)
	for _, t := range lowerTerms {
		if strings.Contains(ls, t) {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func hasExt(path string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}

func window(lines []string, i, radius int) string {
	lo, hi := i-radius, i+radius+1
	if lo < 0 {
		lo = 0
	}
	if hi > len(lines) {
		hi = len(lines)
	}
	return strings.Join(lines[lo:hi], "\n")
}

// rankFiles 按命中次数排序文件
func rankFiles(evidence []Evidence) []string {
	counts := map[string]int{}
	for _, e := range evidence {
		counts[e.FilePath]++
	}
	files := make([]string, 0, len(counts))
	for f := range counts {
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool {
		if counts[files[i]] != counts[files[j]] {
			return counts[files[i]] > counts[files[j]]
		}
		return files[i] < files[j]
	})
	return files
}
