package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type cachedMembership struct {
	member    bool
	fetchedAt time.Time
}

// PGProjectMembership looks membership up in the application's project_members
// table. Answers are cached per (project, user) for cacheTTL.
type PGProjectMembership struct {
	db       rowQuerier
	cacheTTL time.Duration
	now      func() time.Time

	mu    sync.RWMutex
	cache map[string]cachedMembership
}

func NewPGProjectMembership(db rowQuerier, cacheTTL time.Duration) *PGProjectMembership {
	return &PGProjectMembership{
		db:       db,
		cacheTTL: cacheTTL,
		now:      time.Now,
		cache:    map[string]cachedMembership{},
	}
}

var _ ProjectMembership = (*PGProjectMembership)(nil)

func (p *PGProjectMembership) IsMember(ctx context.Context, userID, projectID string) (bool, error) {
	key := projectID + "\x00" + userID
	now := p.now()

	p.mu.RLock()
	if cached, ok := p.cache[key]; ok && now.Sub(cached.fetchedAt) < p.cacheTTL {
		p.mu.RUnlock()
		return cached.member, nil
	}
	p.mu.RUnlock()

	var member bool
	err := p.db.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM project_members
			WHERE project_id = $1 AND user_id = $2
		)
	`, projectID, userID).Scan(&member)
	if err != nil {
		return false, err
	}

	p.mu.Lock()
	p.cache[key] = cachedMembership{member: member, fetchedAt: now}
	p.mu.Unlock()
	return member, nil
}

// Invalidate drops cached answers for a project, e.g. after its team changes.
func (p *PGProjectMembership) Invalidate(projectID string) {
	prefix := projectID + "\x00"
	p.mu.Lock()
	defer p.mu.Unlock()
	for key := range p.cache {
		if strings.HasPrefix(key, prefix) {
			delete(p.cache, key)
		}
	}
}
