package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/iliyamo/auth-service/internal/model"
)

// PrincipalRepo is the MySQL AccountStore. Tables:
//
//	principals        (id, identifier, full_name, credential_hash, status, is_superuser,
//	                   verification_fingerprint, verification_expires_at,
//	                   reset_fingerprint, reset_expires_at, last_login_at, created_at, updated_at)
//	roles             (id, name)
//	role_permissions  (role_id, permission, position)
//	principal_roles   (principal_id, role_id)
//	principal_grants  (principal_id, permission)
type PrincipalRepo struct{ DB *sql.DB }

func NewPrincipalRepo(db *sql.DB) *PrincipalRepo { return &PrincipalRepo{DB: db} }

const principalColumns = "id,identifier,full_name,credential_hash,status,is_superuser," +
	"verification_fingerprint,verification_expires_at,reset_fingerprint,reset_expires_at," +
	"last_login_at,created_at,updated_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPrincipal(row rowScanner) (model.Principal, error) {
	var (
		p                   model.Principal
		status              string
		verifyFP, resetFP   sql.NullString
		verifyExp, resetExp sql.NullTime
		lastLogin           sql.NullTime
	)
	err := row.Scan(&p.ID, &p.Identifier, &p.FullName, &p.CredentialHash, &status, &p.IsSuperuser,
		&verifyFP, &verifyExp, &resetFP, &resetExp, &lastLogin, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Status = model.Status(status)
	p.VerificationFingerprint = verifyFP.String
	p.VerificationExpiresAt = verifyExp.Time
	p.ResetFingerprint = resetFP.String
	p.ResetExpiresAt = resetExp.Time
	if lastLogin.Valid {
		t := lastLogin.Time
		p.LastLoginAt = &t
	}
	return p, nil
}

// getBy loads one principal plus its role ids and grants.
func (r *PrincipalRepo) getBy(ctx context.Context, column, value string) (model.Principal, error) {
	p, err := scanPrincipal(r.DB.QueryRowContext(ctx,
		"SELECT "+principalColumns+" FROM principals WHERE "+column+"=? LIMIT 1", value))
	if err != nil {
		return p, err
	}
	if p.RoleIDs, err = r.strings(ctx,
		"SELECT role_id FROM principal_roles WHERE principal_id=? ORDER BY role_id", p.ID); err != nil {
		return p, err
	}
	if p.Grants, err = r.strings(ctx,
		"SELECT permission FROM principal_grants WHERE principal_id=? ORDER BY permission", p.ID); err != nil {
		return p, err
	}
	return p, nil
}

func (r *PrincipalRepo) strings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetPrincipalByIdentifier fetches a principal by normalized identifier.
func (r *PrincipalRepo) GetPrincipalByIdentifier(ctx context.Context, identifier string) (model.Principal, error) {
	return r.getBy(ctx, "identifier", NormalizeIdentifier(identifier))
}

// GetPrincipal fetches a principal by id.
func (r *PrincipalRepo) GetPrincipal(ctx context.Context, id string) (model.Principal, error) {
	return r.getBy(ctx, "id", id)
}

func (r *PrincipalRepo) GetByVerificationFingerprint(ctx context.Context, fingerprint string) (model.Principal, error) {
	return r.getBy(ctx, "verification_fingerprint", fingerprint)
}

func (r *PrincipalRepo) GetByResetFingerprint(ctx context.Context, fingerprint string) (model.Principal, error) {
	return r.getBy(ctx, "reset_fingerprint", fingerprint)
}

// GetRoles returns the principal's roles with their permissions in
// declaration order.
func (r *PrincipalRepo) GetRoles(ctx context.Context, principalID string) ([]model.Role, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT r.id, r.name, rp.permission
		   FROM principal_roles pr
		   JOIN roles r ON r.id = pr.role_id
		   LEFT JOIN role_permissions rp ON rp.role_id = r.id
		  WHERE pr.principal_id=?
		  ORDER BY r.name, rp.position`, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []model.Role
	for rows.Next() {
		var (
			id, name string
			perm     sql.NullString
		)
		if err := rows.Scan(&id, &name, &perm); err != nil {
			return nil, err
		}
		if n := len(roles); n == 0 || roles[n-1].ID != id {
			roles = append(roles, model.Role{ID: id, Name: name})
		}
		if perm.Valid {
			last := &roles[len(roles)-1]
			last.Permissions = append(last.Permissions, perm.String)
		}
	}
	return roles, rows.Err()
}

// CreatePrincipal inserts the principal and its role assignments in one
// transaction.
func (r *PrincipalRepo) CreatePrincipal(ctx context.Context, p model.Principal) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO principals (id, identifier, full_name, credential_hash, status, is_superuser,
		                         verification_fingerprint, verification_expires_at, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?)`,
		p.ID, NormalizeIdentifier(p.Identifier), p.FullName, p.CredentialHash, string(p.Status), p.IsSuperuser,
		nullString(p.VerificationFingerprint), nullTime(p.VerificationExpiresAt), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		var me *mysql.MySQLError
		if errors.As(err, &me) && me.Number == 1062 {
			return ErrIdentifierExists
		}
		return err
	}
	for _, roleID := range p.RoleIDs {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO principal_roles (principal_id, role_id) VALUES (?,?)", p.ID, roleID); err != nil {
			return fmt.Errorf("assign role %s: %w", roleID, err)
		}
	}
	for _, g := range p.Grants {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO principal_grants (principal_id, permission) VALUES (?,?)", p.ID, g); err != nil {
			return fmt.Errorf("grant %s: %w", g, err)
		}
	}
	return tx.Commit()
}

func (r *PrincipalRepo) exec(ctx context.Context, query string, args ...any) error {
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateCredential replaces the password digest.
func (r *PrincipalRepo) UpdateCredential(ctx context.Context, id, newHash string) error {
	return r.exec(ctx, "UPDATE principals SET credential_hash=?, updated_at=? WHERE id=?",
		newHash, time.Now().UTC(), id)
}

func (r *PrincipalRepo) SetStatus(ctx context.Context, id string, status model.Status) error {
	return r.exec(ctx, "UPDATE principals SET status=?, updated_at=? WHERE id=?",
		string(status), time.Now().UTC(), id)
}

func (r *PrincipalRepo) SetVerification(ctx context.Context, id, fingerprint string, expiresAt time.Time) error {
	return r.exec(ctx,
		"UPDATE principals SET verification_fingerprint=?, verification_expires_at=?, updated_at=? WHERE id=?",
		fingerprint, expiresAt, time.Now().UTC(), id)
}

// MarkVerified activates an unverified principal and clears its token.
// Principals in any other status only lose the token. The fingerprint
// condition makes the first of two concurrent confirmations the only one
// that matches.
func (r *PrincipalRepo) MarkVerified(ctx context.Context, id, fingerprint string) error {
	return r.exec(ctx,
		`UPDATE principals
		    SET status = IF(status = ?, ?, status),
		        verification_fingerprint=NULL, verification_expires_at=NULL, updated_at=?
		  WHERE id=? AND verification_fingerprint=?`,
		string(model.StatusUnverified), string(model.StatusActive), time.Now().UTC(), id, fingerprint)
}

func (r *PrincipalRepo) SetReset(ctx context.Context, id, fingerprint string, expiresAt time.Time) error {
	return r.exec(ctx,
		"UPDATE principals SET reset_fingerprint=?, reset_expires_at=?, updated_at=? WHERE id=?",
		fingerprint, expiresAt, time.Now().UTC(), id)
}

func (r *PrincipalRepo) ClearReset(ctx context.Context, id, fingerprint string) error {
	return r.exec(ctx,
		"UPDATE principals SET reset_fingerprint=NULL, reset_expires_at=NULL, updated_at=? WHERE id=? AND reset_fingerprint=?",
		time.Now().UTC(), id, fingerprint)
}

func (r *PrincipalRepo) TouchLastLogin(ctx context.Context, id string, at time.Time) error {
	return r.exec(ctx, "UPDATE principals SET last_login_at=? WHERE id=?", at.UTC(), id)
}

// ListPrincipals returns one page ordered by creation time together with
// the total count. Role ids and grants are loaded with one query each for
// the whole page.
func (r *PrincipalRepo) ListPrincipals(ctx context.Context, page Page) ([]model.Principal, int, error) {
	page = page.Normalized()
	var total int
	if err := r.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM principals").Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.DB.QueryContext(ctx,
		"SELECT "+principalColumns+" FROM principals ORDER BY created_at, id LIMIT ? OFFSET ?",
		page.Limit, page.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := []model.Principal{}
	index := map[string]int{}
	for rows.Next() {
		p, err := scanPrincipal(rows)
		if err != nil {
			return nil, 0, err
		}
		index[p.ID] = len(out)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	rows.Close()
	if len(out) == 0 {
		return out, total, nil
	}

	ids := make([]any, 0, len(out))
	for _, p := range out {
		ids = append(ids, p.ID)
	}
	in := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	if err := r.pairs(ctx,
		"SELECT principal_id, role_id FROM principal_roles WHERE principal_id IN ("+in+") ORDER BY principal_id, role_id",
		ids, func(id, v string) { out[index[id]].RoleIDs = append(out[index[id]].RoleIDs, v) }); err != nil {
		return nil, 0, err
	}
	if err := r.pairs(ctx,
		"SELECT principal_id, permission FROM principal_grants WHERE principal_id IN ("+in+") ORDER BY principal_id, permission",
		ids, func(id, v string) { out[index[id]].Grants = append(out[index[id]].Grants, v) }); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// pairs runs a two-column query and hands every row to fn.
func (r *PrincipalRepo) pairs(ctx context.Context, query string, args []any, fn func(a, b string)) error {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var a, b string
		if err := rows.Scan(&a, &b); err != nil {
			return err
		}
		fn(a, b)
	}
	return rows.Err()
}

// UpdateProfile writes the non-nil fields of upd.
func (r *PrincipalRepo) UpdateProfile(ctx context.Context, id string, upd model.ProfileUpdate) error {
	var (
		set  []string
		args []any
	)
	if upd.FullName != nil {
		set = append(set, "full_name=?")
		args = append(args, *upd.FullName)
	}
	if upd.Identifier != nil {
		set = append(set, "identifier=?")
		args = append(args, NormalizeIdentifier(*upd.Identifier))
	}
	if upd.IsSuperuser != nil {
		set = append(set, "is_superuser=?")
		args = append(args, *upd.IsSuperuser)
	}
	set = append(set, "updated_at=?")
	args = append(args, time.Now().UTC(), id)

	err := r.exec(ctx, "UPDATE principals SET "+strings.Join(set, ", ")+" WHERE id=?", args...)
	var me *mysql.MySQLError
	if errors.As(err, &me) && me.Number == 1062 {
		return ErrIdentifierExists
	}
	return err
}

// SetRoles replaces the role assignments in one transaction.
func (r *PrincipalRepo) SetRoles(ctx context.Context, id string, roleIDs []string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, "UPDATE principals SET updated_at=? WHERE id=?", time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM principal_roles WHERE principal_id=?", id); err != nil {
		return err
	}
	for _, roleID := range roleIDs {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO principal_roles (principal_id, role_id) VALUES (?,?)", id, roleID)
		var me *mysql.MySQLError
		if errors.As(err, &me) && me.Number == 1452 {
			return ErrUnknownRole
		}
		if err != nil {
			return fmt.Errorf("assign role %s: %w", roleID, err)
		}
	}
	return tx.Commit()
}

func nullString(s string) sql.NullString { return sql.NullString{String: s, Valid: s != ""} }

func nullTime(t time.Time) sql.NullTime { return sql.NullTime{Time: t, Valid: !t.IsZero()} }
