// Package canvas keeps one markdown note per channel, versioned in a git
// repository per channel.
package canvas

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const (
	canvasFile = "canvas.md"
	mainBranch = "main"
	MaxBytes   = 256 << 10
)

var (
	ErrNoCanvas        = errors.New("channel has no canvas yet")
	ErrUnknownRevision = errors.New("unknown canvas revision")
	ErrTooLarge        = fmt.Errorf("canvas exceeds %d bytes", MaxBytes)
)

type Revision struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	AuthorID  string    `json:"authorId"`
	CreatedAt time.Time `json:"createdAt"`
}

type Canvas struct {
	ChannelID string    `json:"channelId"`
	Body      string    `json:"body"`
	Revision  *Revision `json:"revision,omitempty"`
}

// Author identifies who saved a revision.
type Author struct {
	ID   string
	Name string
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
	now     func() time.Time
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
		now:     time.Now,
	}
}

func (s *Service) repoPath(channelID string) string {
	return filepath.Join(s.baseDir, filepath.Base(channelID))
}

func (s *Service) channelLock(channelID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[channelID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[channelID] = lock
	}
	return lock
}

func (s *Service) open(channelID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(channelID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, ErrNoCanvas
	}
	if err != nil {
		return nil, fmt.Errorf("open canvas repo: %w", err)
	}
	return repo, nil
}

func (s *Service) openOrInit(channelID string) (*git.Repository, error) {
	repo, err := s.open(channelID)
	if !errors.Is(err, ErrNoCanvas) {
		return repo, err
	}
	path := s.repoPath(channelID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create canvas dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init canvas repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(mainBranch))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func headCommit(repo *git.Repository) (*object.Commit, error) {
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, ErrNoCanvas
	}
	if err != nil {
		return nil, fmt.Errorf("resolve main: %w", err)
	}
	commit, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load head commit: %w", err)
	}
	return commit, nil
}

// Get returns the current canvas. A channel without a canvas yields an empty body.
func (s *Service) Get(channelID string) (Canvas, error) {
	lock := s.channelLock(channelID)
	lock.Lock()
	defer lock.Unlock()

	empty := Canvas{ChannelID: channelID}
	repo, err := s.open(channelID)
	if errors.Is(err, ErrNoCanvas) {
		return empty, nil
	}
	if err != nil {
		return Canvas{}, err
	}
	commit, err := headCommit(repo)
	if errors.Is(err, ErrNoCanvas) {
		return empty, nil
	}
	if err != nil {
		return Canvas{}, err
	}
	body, err := readBody(commit)
	if err != nil {
		return Canvas{}, err
	}
	rev := toRevision(commit)
	return Canvas{ChannelID: channelID, Body: body, Revision: &rev}, nil
}

// Save commits body as the new canvas. Saving an unchanged body creates no
// revision and reports changed=false.
func (s *Service) Save(channelID, body string, author Author, message string) (Canvas, bool, error) {
	if len(body) > MaxBytes {
		return Canvas{}, false, ErrTooLarge
	}
	lock := s.channelLock(channelID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(channelID)
	if err != nil {
		return Canvas{}, false, err
	}
	if head, err := headCommit(repo); err == nil {
		current, err := readBody(head)
		if err != nil {
			return Canvas{}, false, err
		}
		if current == body {
			rev := toRevision(head)
			return Canvas{ChannelID: channelID, Body: current, Revision: &rev}, false, nil
		}
	} else if !errors.Is(err, ErrNoCanvas) {
		return Canvas{}, false, err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return Canvas{}, false, fmt.Errorf("open worktree: %w", err)
	}
	if err := os.WriteFile(filepath.Join(worktree.Filesystem.Root(), canvasFile), []byte(body), 0o644); err != nil {
		return Canvas{}, false, fmt.Errorf("write canvas: %w", err)
	}
	if _, err := worktree.Add(canvasFile); err != nil {
		return Canvas{}, false, fmt.Errorf("git add canvas: %w", err)
	}
	if strings.TrimSpace(message) == "" {
		message = "Update canvas"
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  author.Name,
			Email: author.ID + "@users.huddle.local",
			When:  s.now(),
		},
	})
	if err != nil {
		return Canvas{}, false, fmt.Errorf("commit canvas: %w", err)
	}
	commit, err := repo.CommitObject(hash)
	if err != nil {
		return Canvas{}, false, fmt.Errorf("read commit: %w", err)
	}
	rev := toRevision(commit)
	return Canvas{ChannelID: channelID, Body: body, Revision: &rev}, true, nil
}

// History lists revisions newest first.
func (s *Service) History(channelID string, limit int) ([]Revision, error) {
	lock := s.channelLock(channelID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(channelID)
	if errors.Is(err, ErrNoCanvas) {
		return []Revision{}, nil
	}
	if err != nil {
		return nil, err
	}
	head, err := headCommit(repo)
	if errors.Is(err, ErrNoCanvas) {
		return []Revision{}, nil
	}
	if err != nil {
		return nil, err
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Revision, 0)
	err = iter.ForEach(func(commit *object.Commit) error {
		items = append(items, toRevision(commit))
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

// At returns the canvas as of a revision hash (full or abbreviated).
func (s *Service) At(channelID, hash string) (Canvas, error) {
	lock := s.channelLock(channelID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(channelID)
	if err != nil {
		if errors.Is(err, ErrNoCanvas) {
			return Canvas{}, ErrUnknownRevision
		}
		return Canvas{}, err
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return Canvas{}, ErrUnknownRevision
	}
	commit, err := repo.CommitObject(*resolved)
	if err != nil {
		return Canvas{}, ErrUnknownRevision
	}
	body, err := readBody(commit)
	if err != nil {
		return Canvas{}, err
	}
	rev := toRevision(commit)
	return Canvas{ChannelID: channelID, Body: body, Revision: &rev}, nil
}

// Remove deletes a channel's canvas history, used when the channel is deleted.
func (s *Service) Remove(channelID string) error {
	lock := s.channelLock(channelID)
	lock.Lock()
	defer lock.Unlock()
	if err := os.RemoveAll(s.repoPath(channelID)); err != nil {
		return fmt.Errorf("remove canvas repo: %w", err)
	}
	return nil
}

func readBody(commit *object.Commit) (string, error) {
	file, err := commit.File(canvasFile)
	if err != nil {
		return "", fmt.Errorf("load canvas from commit: %w", err)
	}
	body, err := file.Contents()
	if err != nil {
		return "", fmt.Errorf("read canvas: %w", err)
	}
	return body, nil
}

func toRevision(commit *object.Commit) Revision {
	return Revision{
		Hash:      commit.Hash.String(),
		Message:   strings.TrimSpace(commit.Message),
		Author:    commit.Author.Name,
		AuthorID:  strings.TrimSuffix(commit.Author.Email, "@users.huddle.local"),
		CreatedAt: commit.Author.When,
	}
}
