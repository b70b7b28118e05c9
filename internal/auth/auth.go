// Package auth implements API key generation, hashing, parsing, and the
// key lifecycle. Only the SHA-256 hash of a key is ever stored; the safe
// prefix (everything before the random tail) appears in listings and
// logs.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/duckhouse/duckhouse/internal/catalog"
	"github.com/duckhouse/duckhouse/internal/errkind"
	"github.com/duckhouse/duckhouse/internal/types"
)

const secretHexLen = 32 // 16 bytes of randomness, hex-encoded

// KeyInfo is the structured metadata parsed out of a presented key.
type KeyInfo struct {
	ProjectID string
	Scope     types.KeyScope
	BranchID  string
}

// SafePrefix returns the non-secret portion of a key with this shape.
func (i KeyInfo) SafePrefix() string {
	switch i.Scope {
	case types.ScopeProjectAdmin:
		return fmt.Sprintf("proj_%s_admin_", i.ProjectID)
	case types.ScopeBranchAdmin:
		return fmt.Sprintf("proj_%s_branch_%s_admin_", i.ProjectID, i.BranchID)
	case types.ScopeBranchRead:
		return fmt.Sprintf("proj_%s_branch_%s_read_", i.ProjectID, i.BranchID)
	}
	return ""
}

// GenerateKey mints a key for the given shape: the safe prefix followed
// by 16 bytes of cryptographically-secure randomness, hex-encoded.
func GenerateKey(info KeyInfo) (string, error) {
	prefix := info.SafePrefix()
	if prefix == "" {
		return "", errkind.New(errkind.Invalid, "unknown key scope %q", info.Scope)
	}
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("draw key randomness: %w", err)
	}
	return prefix + hex.EncodeToString(buf[:]), nil
}

// HashKey returns the hex SHA-256 of a presented key.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// ParseKeyInfo accepts both the legacy project-admin format
// (proj_<p>_admin_<hex>) and the branch-scoped formats
// (proj_<p>_branch_<b>_{admin,read}_<hex>).
func ParseKeyInfo(key string) (*KeyInfo, error) {
	rest, ok := strings.CutPrefix(key, "proj_")
	if !ok || len(rest) < secretHexLen+1 {
		return nil, errkind.New(errkind.Unauthenticated, "malformed api key")
	}
	secret := rest[len(rest)-secretHexLen:]
	if !isHex(secret) || rest[len(rest)-secretHexLen-1] != '_' {
		return nil, errkind.New(errkind.Unauthenticated, "malformed api key")
	}
	meta := rest[:len(rest)-secretHexLen-1]

	var scope types.KeyScope
	switch {
	case strings.HasSuffix(meta, "_admin"):
		meta = strings.TrimSuffix(meta, "_admin")
		scope = types.ScopeProjectAdmin
	case strings.HasSuffix(meta, "_read"):
		meta = strings.TrimSuffix(meta, "_read")
		scope = types.ScopeBranchRead
	default:
		return nil, errkind.New(errkind.Unauthenticated, "malformed api key")
	}

	info := &KeyInfo{Scope: scope}
	if idx := strings.LastIndex(meta, "_branch_"); idx >= 0 {
		info.ProjectID = meta[:idx]
		info.BranchID = meta[idx+len("_branch_"):]
		if scope == types.ScopeProjectAdmin {
			info.Scope = types.ScopeBranchAdmin
		}
	} else {
		if scope == types.ScopeBranchRead {
			return nil, errkind.New(errkind.Unauthenticated, "malformed api key")
		}
		info.ProjectID = meta
	}
	if info.ProjectID == "" || (info.BranchID == "" && info.Scope != types.ScopeProjectAdmin) {
		return nil, errkind.New(errkind.Unauthenticated, "malformed api key")
	}
	return info, nil
}

func isHex(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

// Manager runs the key lifecycle against the catalog.
type Manager struct {
	cat      *catalog.Catalog
	adminKey string
	log      *slog.Logger
}

// NewManager returns a key manager. adminKey is the process-wide secret
// allowed to create projects and perform administrative operations.
func NewManager(cat *catalog.Catalog, adminKey string, log *slog.Logger) *Manager {
	return &Manager{cat: cat, adminKey: adminKey, log: log}
}

// IsAdminKey reports whether the presented secret is the process-wide
// admin key, in constant time.
func (m *Manager) IsAdminKey(presented string) bool {
	if m.adminKey == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(m.adminKey)) == 1
}

// Create mints a key and stores its metadata. The secret is returned
// exactly once and never stored.
func (m *Manager) Create(ctx context.Context, project string, scope types.KeyScope, branchID, description string, ttl time.Duration) (*types.APIKey, string, error) {
	if !scope.Valid() {
		return nil, "", errkind.New(errkind.Invalid, "unknown key scope %q", scope)
	}
	if scope != types.ScopeProjectAdmin && branchID == "" {
		return nil, "", errkind.New(errkind.Invalid, "branch-scoped keys require a branch id")
	}
	if scope == types.ScopeProjectAdmin && branchID != "" {
		return nil, "", errkind.New(errkind.Invalid, "project admin keys do not take a branch id")
	}

	info := KeyInfo{ProjectID: project, Scope: scope, BranchID: branchID}
	secret, err := GenerateKey(info)
	if err != nil {
		return nil, "", err
	}
	now := time.Now().UTC()
	k := &types.APIKey{
		ID: uuid.NewString(), ProjectID: project, Scope: scope, BranchID: branchID,
		Description: description,
		KeyHash:     HashKey(secret), SafePrefix: info.SafePrefix(),
		CreatedAt: now,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		k.ExpiresAt = &exp
	}
	if err := m.cat.CreateAPIKey(ctx, k); err != nil {
		return nil, "", err
	}
	m.log.Info("api key created", "project", project, "key", k.ID, "scope", scope, "prefix", k.SafePrefix)
	return k, secret, nil
}

// Authenticate resolves a presented key to its stored metadata.
// Verification is a constant-time comparison between the stored hash and
// the hash of the presented key.
func (m *Manager) Authenticate(ctx context.Context, presented string) (*types.APIKey, error) {
	if _, err := ParseKeyInfo(presented); err != nil {
		return nil, err
	}
	hash := HashKey(presented)
	k, err := m.cat.GetAPIKeyByHash(ctx, hash)
	if err != nil {
		if errkind.Is(err, errkind.NotFound) {
			return nil, errkind.New(errkind.Unauthenticated, "unknown api key")
		}
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(hash), []byte(k.KeyHash)) != 1 {
		return nil, errkind.New(errkind.Unauthenticated, "unknown api key")
	}
	if k.Revoked {
		return nil, errkind.New(errkind.Unauthenticated, "api key revoked")
	}
	if k.Expired(time.Now().UTC()) {
		return nil, errkind.New(errkind.Unauthenticated, "api key expired")
	}
	return k, nil
}

// Authorize checks a key against the target of a request. Branch-scoped
// keys operate only within their declared branch; read-only keys only
// execute read commands.
func Authorize(k *types.APIKey, project, branchID string, write bool) error {
	if k.ProjectID != project {
		return errkind.New(errkind.Forbidden, "key is scoped to another project")
	}
	switch k.Scope {
	case types.ScopeProjectAdmin:
		return nil
	case types.ScopeBranchAdmin, types.ScopeBranchRead:
		if types.IsMainBranch(branchID) || branchID != k.BranchID {
			return errkind.New(errkind.Forbidden, "key is scoped to branch %q", k.BranchID)
		}
		if k.Scope == types.ScopeBranchRead && write {
			return errkind.New(errkind.Forbidden, "read-only key cannot execute write commands")
		}
		return nil
	}
	return errkind.New(errkind.Forbidden, "unknown key scope")
}

// Get returns key metadata.
func (m *Manager) Get(ctx context.Context, id string) (*types.APIKey, error) {
	return m.cat.GetAPIKey(ctx, id)
}

// List returns a project's keys, optionally including revoked ones.
func (m *Manager) List(ctx context.Context, project string, includeRevoked bool) ([]*types.APIKey, error) {
	return m.cat.ListAPIKeys(ctx, project, includeRevoked)
}

// Revoke soft-revokes a key. Revoking the last active project_admin key
// of a project is refused.
func (m *Manager) Revoke(ctx context.Context, id string) error {
	if err := m.cat.RevokeAPIKey(ctx, id); err != nil {
		return err
	}
	m.log.Info("api key revoked", "key", id)
	return nil
}

// Rotate creates a replacement with the same scope and branch, a
// " (rotated)" description suffix, and the original's remaining TTL,
// then revokes the original.
func (m *Manager) Rotate(ctx context.Context, id string) (*types.APIKey, string, error) {
	old, err := m.cat.GetAPIKey(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if old.Revoked {
		return nil, "", errkind.New(errkind.Conflict, "key %q is already revoked", id)
	}
	var ttl time.Duration
	if old.ExpiresAt != nil {
		ttl = time.Until(*old.ExpiresAt)
		if ttl <= 0 {
			return nil, "", errkind.New(errkind.Gone, "key %q has expired", id)
		}
	}
	desc := old.Description + " (rotated)"
	fresh, secret, err := m.Create(ctx, old.ProjectID, old.Scope, old.BranchID, desc, ttl)
	if err != nil {
		return nil, "", err
	}
	if err := m.cat.RevokeAPIKey(ctx, id); err != nil {
		return nil, "", err
	}
	m.log.Info("api key rotated", "old", id, "new", fresh.ID)
	return fresh, secret, nil
}
