package tools

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adaptiv/gh-broker/pkg/constants"
	brokererrors "github.com/adaptiv/gh-broker/pkg/errors"
	"github.com/adaptiv/gh-broker/pkg/logger"
)

var permLog = logger.New("tools:permissions")

type permEntry struct {
	permission string
	expires    time.Time
}

// permissionCache checks that the configured actor holds write access on a
// repo before a remote mutation runs. Lookups are cached per (repo, actor)
// so a burst of commits costs one API call.
type permissionCache struct {
	deps *Deps

	mu      sync.Mutex
	entries map[string]permEntry
	now     func() time.Time
}

func newPermissionCache(deps *Deps) *permissionCache {
	return &permissionCache{
		deps:    deps,
		entries: make(map[string]permEntry),
		now:     time.Now,
	}
}

// ensureActorCanWrite is a no-op unless actor validation is enabled.
func (c *permissionCache) ensureActorCanWrite(ctx context.Context, fullName string) error {
	if !c.deps.Cfg.ValidateActor || c.deps.Cfg.Actor == "" {
		return nil
	}
	permission, err := c.lookup(ctx, fullName, c.deps.Cfg.Actor)
	if err != nil {
		return err
	}
	switch permission {
	case "admin", "maintain", "write":
		return nil
	}
	permLog.Printf("Actor %s has %q on %s; write denied", c.deps.Cfg.Actor, permission, fullName)
	return &brokererrors.APIError{
		StatusCode: 403,
		Message:    fmt.Sprintf("actor %q does not have write access to %s", c.deps.Cfg.Actor, fullName),
		Category:   brokererrors.CategoryPermission,
		Code:       "ACTOR_FORBIDDEN",
	}
}

func (c *permissionCache) lookup(ctx context.Context, fullName, actor string) (string, error) {
	key := fullName + "#" + actor

	c.mu.Lock()
	if entry, ok := c.entries[key]; ok && c.now().Before(entry.expires) {
		c.mu.Unlock()
		return entry.permission, nil
	}
	c.mu.Unlock()

	permission, err := c.fetch(ctx, fullName, actor)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.entries[key] = permEntry{
		permission: permission,
		expires:    c.now().Add(constants.PermissionCacheTTL),
	}
	c.mu.Unlock()
	return permission, nil
}

func (c *permissionCache) fetch(ctx context.Context, fullName, actor string) (string, error) {
	owner, repo, err := splitRepo(fullName)
	if err != nil {
		return "", err
	}
	client, err := c.deps.Pool.REST()
	if err != nil {
		return "", err
	}
	level, _, err := client.Repositories.GetPermissionLevel(ctx, owner, repo, actor)
	if err != nil {
		return "", fmt.Errorf("failed to check permission for %s on %s: %w", actor, fullName, err)
	}
	return level.GetPermission(), nil
}
