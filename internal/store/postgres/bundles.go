package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/apphub/catalog/pkg/catalog"
	"github.com/apphub/catalog/pkg/catalogerr"
)

// PublishVersion inserts or replaces a (slug, version) artifact. It upserts
// the parent job_bundles row first (creating it on first publish of a slug)
// and advances latest_version.
func (b *Backend) PublishVersion(ctx context.Context, v *catalog.JobBundleVersion, force bool) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning publish: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO job_bundles (id, slug, display_name, description, latest_version)
		VALUES ($1, $2, $2, NULL, $3)
		ON CONFLICT (slug) DO UPDATE SET latest_version = EXCLUDED.latest_version
	`, v.BundleID, v.Slug, v.Version); err != nil {
		return fmt.Errorf("upserting job bundle: %w", err)
	}

	var existingImmutable sql.NullBool
	row := tx.QueryRowContext(ctx, `SELECT immutable FROM job_bundle_versions WHERE bundle_id = $1 AND version = $2`, v.BundleID, v.Version)
	err = row.Scan(&existingImmutable)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if err := insertBundleVersion(ctx, tx, v); err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("checking existing bundle version: %w", err)
	default:
		if !force {
			return catalogerr.Conflictf("bundle version %s/%s already published", v.Slug, v.Version)
		}
		if existingImmutable.Bool {
			return catalogerr.Conflictf("bundle version %s/%s is immutable and cannot be replaced", v.Slug, v.Version)
		}
		if err := replaceBundleVersion(ctx, tx, v); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func insertBundleVersion(ctx context.Context, tx *sql.Tx, v *catalog.JobBundleVersion) error {
	capFlags, err := json.Marshal(v.CapabilityFlags)
	if err != nil {
		return fmt.Errorf("marshaling capability flags: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO job_bundle_versions (
			id, bundle_id, slug, version, manifest, checksum, capability_flags,
			artifact_storage, artifact_path, artifact_content_type, artifact_size,
			immutable, status, published_by, published_by_kind, published_by_token_hash, published_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`,
		v.ID, v.BundleID, v.Slug, v.Version, []byte(v.Manifest), v.Checksum, capFlags,
		v.ArtifactStorage, v.ArtifactPath, nullString(v.ArtifactContentType), v.ArtifactSize,
		v.Immutable, v.Status, nullString(v.PublishedBy), nullString(v.PublishedByKind),
		nullString(v.PublishedByTokenHash), v.PublishedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting bundle version: %w", err)
	}
	return nil
}

func replaceBundleVersion(ctx context.Context, tx *sql.Tx, v *catalog.JobBundleVersion) error {
	capFlags, err := json.Marshal(v.CapabilityFlags)
	if err != nil {
		return fmt.Errorf("marshaling capability flags: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE job_bundle_versions SET
			manifest = $1, checksum = $2, capability_flags = $3,
			artifact_storage = $4, artifact_path = $5, artifact_content_type = $6, artifact_size = $7,
			immutable = $8, status = $9, published_by = $10, published_by_kind = $11,
			published_by_token_hash = $12, published_at = $13, deprecated_at = NULL
		WHERE bundle_id = $14 AND version = $15
	`,
		[]byte(v.Manifest), v.Checksum, capFlags,
		v.ArtifactStorage, v.ArtifactPath, nullString(v.ArtifactContentType), v.ArtifactSize,
		v.Immutable, v.Status, nullString(v.PublishedBy), nullString(v.PublishedByKind),
		nullString(v.PublishedByTokenHash), v.PublishedAt, v.BundleID, v.Version,
	)
	if err != nil {
		return fmt.Errorf("replacing bundle version: %w", err)
	}
	return nil
}

const bundleVersionSelectColumns = `SELECT
	v.id, v.bundle_id, v.slug, v.version, v.manifest, v.checksum, v.capability_flags,
	v.artifact_storage, v.artifact_path, v.artifact_content_type, v.artifact_size,
	v.immutable, v.status, v.published_by, v.published_by_kind, v.published_by_token_hash,
	v.published_at, v.deprecated_at`

func scanBundleVersion(row rowScanner) (*catalog.JobBundleVersion, error) {
	var v catalog.JobBundleVersion
	var contentType, publishedBy, publishedByKind, publishedByTokenHash sql.NullString
	var artifactSize sql.NullInt64
	var deprecatedAt sql.NullTime
	var capFlags, manifest []byte

	if err := row.Scan(
		&v.ID, &v.BundleID, &v.Slug, &v.Version, &manifest, &v.Checksum, &capFlags,
		&v.ArtifactStorage, &v.ArtifactPath, &contentType, &artifactSize,
		&v.Immutable, &v.Status, &publishedBy, &publishedByKind, &publishedByTokenHash,
		&v.PublishedAt, &deprecatedAt,
	); err != nil {
		return nil, err
	}
	v.Manifest = json.RawMessage(manifest)
	v.ArtifactContentType = contentType.String
	v.ArtifactSize = artifactSize.Int64
	v.PublishedBy = publishedBy.String
	v.PublishedByKind = publishedByKind.String
	v.PublishedByTokenHash = publishedByTokenHash.String
	if deprecatedAt.Valid {
		v.DeprecatedAt = &deprecatedAt.Time
	}
	if len(capFlags) > 0 {
		if err := json.Unmarshal(capFlags, &v.CapabilityFlags); err != nil {
			return nil, fmt.Errorf("unmarshaling capability flags: %w", err)
		}
	}
	return &v, nil
}

func (b *Backend) GetVersion(ctx context.Context, slug, version string) (*catalog.JobBundleVersion, error) {
	row := b.db.QueryRowContext(ctx, bundleVersionSelectColumns+`
		FROM job_bundle_versions v WHERE v.slug = $1 AND v.version = $2
	`, slug, version)
	v, err := scanBundleVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, catalogerr.NotFoundf("bundle version %s/%s not found", slug, version)
	}
	if err != nil {
		return nil, fmt.Errorf("loading bundle version: %w", err)
	}
	return v, nil
}

func (b *Backend) GetLatestVersion(ctx context.Context, slug string) (*catalog.JobBundleVersion, error) {
	row := b.db.QueryRowContext(ctx, bundleVersionSelectColumns+`
		FROM job_bundle_versions v
		JOIN job_bundles jb ON jb.id = v.bundle_id
		WHERE jb.slug = $1 AND v.version = jb.latest_version
	`, slug)
	v, err := scanBundleVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, catalogerr.NotFoundf("no published version for bundle %q", slug)
	}
	if err != nil {
		return nil, fmt.Errorf("loading latest bundle version: %w", err)
	}
	return v, nil
}

func (b *Backend) DeprecateVersion(ctx context.Context, slug, version string, now time.Time) error {
	res, err := b.db.ExecContext(ctx, `
		UPDATE job_bundle_versions SET status = 'deprecated', deprecated_at = $1
		WHERE slug = $2 AND version = $3
	`, now, slug, version)
	if err != nil {
		return fmt.Errorf("deprecating bundle version: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return catalogerr.NotFoundf("bundle version %s/%s not found", slug, version)
	}
	return nil
}
