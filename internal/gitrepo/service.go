// Package gitrepo mirrors every document version into a per-document git
// repository so history can be inspected with ordinary git tooling.
package gitrepo

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"studio/api/internal/store"
	"studio/api/internal/versions"
)

const contentFile = "content.mmd"

var ErrNotMirrored = errors.New("version not mirrored")

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Mirror commits rec as the content of its document and tags the commit
// v<number>. Mirroring a version twice is a no-op.
func (s *Service) Mirror(rec versions.Record) (store.CommitInfo, error) {
	lock := s.documentLock(rec.DocumentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(rec.DocumentID)
	if err != nil {
		return store.CommitInfo{}, err
	}

	tag := tagName(rec.Number)
	if ref, err := repo.Tag(tag); err == nil {
		commitObj, err := repo.CommitObject(ref.Hash())
		if err != nil {
			return store.CommitInfo{}, fmt.Errorf("read tagged commit %s: %w", tag, err)
		}
		return toCommitInfo(commitObj), nil
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}
	if err := os.WriteFile(filepath.Join(worktree.Filesystem.Root(), contentFile), []byte(rec.Content), 0o644); err != nil {
		return store.CommitInfo{}, fmt.Errorf("write %s: %w", contentFile, err)
	}
	if _, err := worktree.Add(contentFile); err != nil {
		return store.CommitInfo{}, fmt.Errorf("git add content: %w", err)
	}

	hash, err := worktree.Commit(fmt.Sprintf("%s\n\nauthor: %s", tag, rec.Author), &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  rec.Author,
			Email: fmt.Sprintf("%s@local.studio.dev", sanitizeEmail(rec.Author)),
			When:  rec.CreatedAt,
		},
	})
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("commit version %d: %w", rec.Number, err)
	}
	if _, err := repo.CreateTag(tag, hash, nil); err != nil && !errors.Is(err, git.ErrTagExists) {
		return store.CommitInfo{}, fmt.Errorf("create tag %s: %w", tag, err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// ContentAt returns the mirrored content of a version.
func (s *Service) ContentAt(documentID string, number int) (string, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return "", err
	}
	commitObj, err := versionCommit(repo, number)
	if err != nil {
		return "", err
	}
	return readContent(commitObj)
}

// Diff returns a unified patch between two mirrored versions.
func (s *Service) Diff(documentID string, from, to int) (string, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return "", err
	}
	fromCommit, err := versionCommit(repo, from)
	if err != nil {
		return "", err
	}
	toCommit, err := versionCommit(repo, to)
	if err != nil {
		return "", err
	}
	patch, err := fromCommit.Patch(toCommit)
	if err != nil {
		return "", fmt.Errorf("diff v%d..v%d: %w", from, to, err)
	}
	return patch.String(), nil
}

// History lists mirrored commits, newest first.
func (s *Service) History(documentID string, limit int) ([]store.CommitInfo, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return nil, err
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]store.CommitInfo, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

func (s *Service) repoPath(documentID string) string {
	return filepath.Join(s.baseDir, documentID)
}

func (s *Service) open(documentID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(documentID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("document %s: %w", documentID, ErrNotMirrored)
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) openOrInit(documentID string) (*git.Repository, error) {
	path := s.repoPath(documentID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func (s *Service) documentLock(documentID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[documentID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[documentID] = lock
	return lock
}

func tagName(number int) string {
	return fmt.Sprintf("v%d", number)
}

func versionCommit(repo *git.Repository, number int) (*object.Commit, error) {
	ref, err := repo.Tag(tagName(number))
	if errors.Is(err, git.ErrTagNotFound) {
		return nil, fmt.Errorf("version %d: %w", number, ErrNotMirrored)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve tag %s: %w", tagName(number), err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("read commit for version %d: %w", number, err)
	}
	return commitObj, nil
}

func readContent(commitObj *object.Commit) (string, error) {
	file, err := commitObj.File(contentFile)
	if err != nil {
		return "", fmt.Errorf("load %s from commit: %w", contentFile, err)
	}
	content, err := file.Contents()
	if err != nil {
		return "", fmt.Errorf("read content: %w", err)
	}
	return content, nil
}

func toCommitInfo(commitObj *object.Commit) store.CommitInfo {
	info := store.CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   strings.TrimSpace(commitObj.Message),
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
	subject, _, _ := strings.Cut(info.Message, "\n")
	if _, err := fmt.Sscanf(subject, "v%d", &info.Version); err != nil {
		info.Version = 0
	}
	return info
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}
