package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"agentfs/internal/common"
)

// BunDB wraps a Bun database instance for type-safe queries.
type BunDB struct {
	*bun.DB
}

// NewBunDB wraps an existing *sql.DB with Bun's type-safe query builder.
func NewBunDB(sqlDB *sql.DB) *BunDB {
	bunDB := bun.NewDB(sqlDB, sqlitedialect.New())
	return &BunDB{DB: bunDB}
}

// --- Schema Info Operations ---

// GetSchemaInfo retrieves a schema info value by key. Missing keys return "".
func (db *BunDB) GetSchemaInfo(ctx context.Context, key string) (string, error) {
	var info SchemaInfoModel
	err := db.NewSelect().
		Model(&info).
		Where("key = ?", key).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return info.Value, nil
}

// SetSchemaInfo sets a schema info value (upserts).
func (db *BunDB) SetSchemaInfo(ctx context.Context, key, value string) error {
	_, err := db.NewInsert().
		Model(&SchemaInfoModel{Key: key, Value: value}).
		On("CONFLICT (key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Exec(ctx)
	return err
}

// GetFSConfig retrieves a filesystem config value by key. Missing keys return "".
func (db *BunDB) GetFSConfig(ctx context.Context, key string) (string, error) {
	var cfg FSConfigModel
	err := db.NewSelect().
		Model(&cfg).
		Where("key = ?", key).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return cfg.Value, nil
}

// SetFSConfig sets a filesystem config value (upserts).
func (db *BunDB) SetFSConfig(ctx context.Context, key, value string) error {
	_, err := db.NewInsert().
		Model(&FSConfigModel{Key: key, Value: value}).
		On("CONFLICT (key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Exec(ctx)
	return err
}

// --- Inode Operations ---

// GetInode retrieves an inode by number.
func (db *BunDB) GetInode(ctx context.Context, ino int64) (*InodeModel, error) {
	return db.getInodeWith(db.DB, ctx, ino)
}

// GetInodeWith is like GetInode but uses the provided bun.IDB (for transaction support).
func (db *BunDB) GetInodeWith(idb bun.IDB, ctx context.Context, ino int64) (*InodeModel, error) {
	return db.getInodeWith(idb, ctx, ino)
}

func (db *BunDB) getInodeWith(idb bun.IDB, ctx context.Context, ino int64) (*InodeModel, error) {
	var inode InodeModel
	err := idb.NewSelect().
		Model(&inode).
		Where("ino = ?", ino).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inode, nil
}

// CreateInode inserts a new inode and returns its allocated number.
func (db *BunDB) CreateInode(ctx context.Context, inode *InodeModel) (int64, error) {
	return db.createInodeWith(db.DB, ctx, inode)
}

// CreateInodeWith is like CreateInode but uses the provided bun.IDB (for transaction support).
func (db *BunDB) CreateInodeWith(idb bun.IDB, ctx context.Context, inode *InodeModel) (int64, error) {
	return db.createInodeWith(idb, ctx, inode)
}

func (db *BunDB) createInodeWith(idb bun.IDB, ctx context.Context, inode *InodeModel) (int64, error) {
	// Use RETURNING clause to get the ino (libsql doesn't support LastInsertId)
	_, err := idb.NewInsert().
		Model(inode).
		Returning("ino").
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return inode.Ino, nil
}

// UpdateInode replaces all mutable fields of an inode row.
func (db *BunDB) UpdateInode(ctx context.Context, inode *InodeModel) error {
	return db.updateInodeWith(db.DB, ctx, inode)
}

// UpdateInodeWith is like UpdateInode but uses the provided bun.IDB (for transaction support).
func (db *BunDB) UpdateInodeWith(idb bun.IDB, ctx context.Context, inode *InodeModel) error {
	return db.updateInodeWith(idb, ctx, inode)
}

func (db *BunDB) updateInodeWith(idb bun.IDB, ctx context.Context, inode *InodeModel) error {
	res, err := idb.NewUpdate().
		Model(inode).
		WherePK().
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return common.ErrNotFound
	}
	return nil
}

// PurgeInode removes an inode together with its content chunks and symlink
// target. Dentry cleanup is the caller's responsibility.
func (db *BunDB) PurgeInode(ctx context.Context, ino int64) error {
	return db.purgeInodeWith(db.DB, ctx, ino)
}

// PurgeInodeWith is like PurgeInode but uses the provided bun.IDB (for transaction support).
func (db *BunDB) PurgeInodeWith(idb bun.IDB, ctx context.Context, ino int64) error {
	return db.purgeInodeWith(idb, ctx, ino)
}

func (db *BunDB) purgeInodeWith(idb bun.IDB, ctx context.Context, ino int64) error {
	if _, err := idb.NewDelete().Model((*DataChunkModel)(nil)).Where("ino = ?", ino).Exec(ctx); err != nil {
		return err
	}
	if _, err := idb.NewDelete().Model((*SymlinkModel)(nil)).Where("ino = ?", ino).Exec(ctx); err != nil {
		return err
	}
	if _, err := idb.NewDelete().Model((*InodeModel)(nil)).Where("ino = ?", ino).Exec(ctx); err != nil {
		return err
	}
	return nil
}

// ListUnlinkedInodes returns inodes with no remaining links, excluding the
// root. These are orphans left behind by unlink-while-open and are reclaimed
// on the next store open.
func (db *BunDB) ListUnlinkedInodes(ctx context.Context) ([]int64, error) {
	return db.listUnlinkedInodesWith(db.DB, ctx)
}

// ListUnlinkedInodesWith is like ListUnlinkedInodes but uses the provided bun.IDB (for transaction support).
func (db *BunDB) ListUnlinkedInodesWith(idb bun.IDB, ctx context.Context) ([]int64, error) {
	return db.listUnlinkedInodesWith(idb, ctx)
}

func (db *BunDB) listUnlinkedInodesWith(idb bun.IDB, ctx context.Context) ([]int64, error) {
	var inos []int64
	err := idb.NewRaw(`SELECT ino FROM fs_inode WHERE nlink <= 0 AND ino != ?`, int64(RootIno)).Scan(ctx, &inos)
	return inos, err
}

// --- Dentry Operations ---

// GetDentry retrieves a directory entry by parent and name.
func (db *BunDB) GetDentry(ctx context.Context, parentIno int64, name string) (*DentryModel, error) {
	return db.getDentryWith(db.DB, ctx, parentIno, name)
}

// GetDentryWith is like GetDentry but uses the provided bun.IDB (for transaction support).
func (db *BunDB) GetDentryWith(idb bun.IDB, ctx context.Context, parentIno int64, name string) (*DentryModel, error) {
	return db.getDentryWith(idb, ctx, parentIno, name)
}

func (db *BunDB) getDentryWith(idb bun.IDB, ctx context.Context, parentIno int64, name string) (*DentryModel, error) {
	var dentry DentryModel
	err := idb.NewSelect().
		Model(&dentry).
		Where("parent_ino = ?", parentIno).
		Where("name = ?", name).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &dentry, nil
}

// GetDentryForIno retrieves the directory entry pointing at ino. Directories
// always have exactly one.
func (db *BunDB) GetDentryForIno(ctx context.Context, ino int64) (*DentryModel, error) {
	return db.getDentryForInoWith(db.DB, ctx, ino)
}

// GetDentryForInoWith is like GetDentryForIno but uses the provided bun.IDB (for transaction support).
func (db *BunDB) GetDentryForInoWith(idb bun.IDB, ctx context.Context, ino int64) (*DentryModel, error) {
	return db.getDentryForInoWith(idb, ctx, ino)
}

func (db *BunDB) getDentryForInoWith(idb bun.IDB, ctx context.Context, ino int64) (*DentryModel, error) {
	var dentry DentryModel
	err := idb.NewSelect().
		Model(&dentry).
		Where("ino = ?", ino).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &dentry, nil
}

// InsertDentry inserts a new directory entry. The (parent_ino, name) primary
// key makes duplicate names a constraint violation, reported as
// common.ErrExists; concurrent creators race on this row and exactly one wins.
func (db *BunDB) InsertDentry(ctx context.Context, dentry *DentryModel) error {
	return db.insertDentryWith(db.DB, ctx, dentry)
}

// InsertDentryWith is like InsertDentry but uses the provided bun.IDB (for transaction support).
func (db *BunDB) InsertDentryWith(idb bun.IDB, ctx context.Context, dentry *DentryModel) error {
	return db.insertDentryWith(idb, ctx, dentry)
}

func (db *BunDB) insertDentryWith(idb bun.IDB, ctx context.Context, dentry *DentryModel) error {
	_, err := idb.NewInsert().Model(dentry).Exec(ctx)
	if err != nil && isUniqueViolation(err) {
		return common.ErrExists
	}
	return err
}

// UpsertDentry inserts or repoints a directory entry (rename over an
// existing target).
func (db *BunDB) UpsertDentry(ctx context.Context, dentry *DentryModel) error {
	return db.upsertDentryWith(db.DB, ctx, dentry)
}

// UpsertDentryWith is like UpsertDentry but uses the provided bun.IDB (for transaction support).
func (db *BunDB) UpsertDentryWith(idb bun.IDB, ctx context.Context, dentry *DentryModel) error {
	return db.upsertDentryWith(idb, ctx, dentry)
}

func (db *BunDB) upsertDentryWith(idb bun.IDB, ctx context.Context, dentry *DentryModel) error {
	_, err := idb.NewInsert().
		Model(dentry).
		On("CONFLICT (parent_ino, name) DO UPDATE").
		Set("ino = EXCLUDED.ino").
		Exec(ctx)
	return err
}

// DeleteDentry removes a directory entry, returning ErrNotFound if absent.
func (db *BunDB) DeleteDentry(ctx context.Context, parentIno int64, name string) error {
	return db.deleteDentryWith(db.DB, ctx, parentIno, name)
}

// DeleteDentryWith is like DeleteDentry but uses the provided bun.IDB (for transaction support).
func (db *BunDB) DeleteDentryWith(idb bun.IDB, ctx context.Context, parentIno int64, name string) error {
	return db.deleteDentryWith(idb, ctx, parentIno, name)
}

func (db *BunDB) deleteDentryWith(idb bun.IDB, ctx context.Context, parentIno int64, name string) error {
	res, err := idb.NewDelete().
		Model((*DentryModel)(nil)).
		Where("parent_ino = ?", parentIno).
		Where("name = ?", name).
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return common.ErrNotFound
	}
	return nil
}

// CountDentries returns the number of entries in a directory.
func (db *BunDB) CountDentries(ctx context.Context, parentIno int64) (int, error) {
	return db.countDentriesWith(db.DB, ctx, parentIno)
}

// CountDentriesWith is like CountDentries but uses the provided bun.IDB (for transaction support).
func (db *BunDB) CountDentriesWith(idb bun.IDB, ctx context.Context, parentIno int64) (int, error) {
	return db.countDentriesWith(idb, ctx, parentIno)
}

func (db *BunDB) countDentriesWith(idb bun.IDB, ctx context.Context, parentIno int64) (int, error) {
	return idb.NewSelect().
		Model((*DentryModel)(nil)).
		Where("parent_ino = ?", parentIno).
		Count(ctx)
}

// DirEntry is a directory listing row joined with its inode metadata.
type DirEntry struct {
	Name  string
	Ino   int64
	Mode  uint32
	Size  int64
	Mtime time.Time
}

// ListDentries retrieves all entries of a directory joined with inode
// metadata, ordered by name.
func (db *BunDB) ListDentries(ctx context.Context, parentIno int64) ([]DirEntry, error) {
	return db.listDentriesWith(db.DB, ctx, parentIno)
}

// ListDentriesWith is like ListDentries but uses the provided bun.IDB (for transaction support).
func (db *BunDB) ListDentriesWith(idb bun.IDB, ctx context.Context, parentIno int64) ([]DirEntry, error) {
	return db.listDentriesWith(idb, ctx, parentIno)
}

func (db *BunDB) listDentriesWith(idb bun.IDB, ctx context.Context, parentIno int64) ([]DirEntry, error) {
	type rawEntry struct {
		Name  string
		Ino   int64
		Mode  int64
		Size  int64
		Mtime int64
	}
	var rawEntries []rawEntry
	err := idb.NewRaw(`
		SELECT d.name, d.ino, i.mode, i.size, i.mtime
		FROM fs_dentry d
		INNER JOIN fs_inode i ON d.ino = i.ino
		WHERE d.parent_ino = ?
		ORDER BY d.name
	`, parentIno).Scan(ctx, &rawEntries)
	if err != nil {
		return nil, err
	}

	entries := make([]DirEntry, len(rawEntries))
	for i, r := range rawEntries {
		entries[i] = DirEntry{
			Name:  r.Name,
			Ino:   r.Ino,
			Mode:  uint32(r.Mode),
			Size:  r.Size,
			Mtime: time.Unix(0, r.Mtime),
		}
	}
	return entries, nil
}

// --- Content Operations ---

// GetChunk retrieves a single content chunk. Missing chunks (holes in a
// sparse file) return nil data and no error.
func (db *BunDB) GetChunk(ctx context.Context, ino, chunkIdx int64) ([]byte, error) {
	return db.getChunkWith(db.DB, ctx, ino, chunkIdx)
}

// GetChunkWith is like GetChunk but uses the provided bun.IDB (for transaction support).
func (db *BunDB) GetChunkWith(idb bun.IDB, ctx context.Context, ino, chunkIdx int64) ([]byte, error) {
	return db.getChunkWith(idb, ctx, ino, chunkIdx)
}

func (db *BunDB) getChunkWith(idb bun.IDB, ctx context.Context, ino, chunkIdx int64) ([]byte, error) {
	var data []byte
	err := idb.NewRaw(`
		SELECT data FROM fs_data WHERE ino = ? AND chunk_idx = ?
	`, ino, chunkIdx).Scan(ctx, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return data, err
}

// UpsertChunk inserts or replaces a content chunk.
func (db *BunDB) UpsertChunk(ctx context.Context, ino, chunkIdx int64, data []byte) error {
	return db.upsertChunkWith(db.DB, ctx, ino, chunkIdx, data)
}

// UpsertChunkWith is like UpsertChunk but uses the provided bun.IDB (for transaction support).
func (db *BunDB) UpsertChunkWith(idb bun.IDB, ctx context.Context, ino, chunkIdx int64, data []byte) error {
	return db.upsertChunkWith(idb, ctx, ino, chunkIdx, data)
}

func (db *BunDB) upsertChunkWith(idb bun.IDB, ctx context.Context, ino, chunkIdx int64, data []byte) error {
	_, err := idb.NewInsert().
		Model(&DataChunkModel{Ino: ino, ChunkIdx: chunkIdx, Data: data}).
		On("CONFLICT (ino, chunk_idx) DO UPDATE").
		Set("data = EXCLUDED.data").
		Exec(ctx)
	return err
}

// DeleteChunksFrom deletes all chunks at or after the given index.
func (db *BunDB) DeleteChunksFrom(ctx context.Context, ino, fromChunkIdx int64) error {
	return db.deleteChunksFromWith(db.DB, ctx, ino, fromChunkIdx)
}

// DeleteChunksFromWith is like DeleteChunksFrom but uses the provided bun.IDB (for transaction support).
func (db *BunDB) DeleteChunksFromWith(idb bun.IDB, ctx context.Context, ino, fromChunkIdx int64) error {
	return db.deleteChunksFromWith(idb, ctx, ino, fromChunkIdx)
}

func (db *BunDB) deleteChunksFromWith(idb bun.IDB, ctx context.Context, ino, fromChunkIdx int64) error {
	_, err := idb.NewDelete().
		Model((*DataChunkModel)(nil)).
		Where("ino = ?", ino).
		Where("chunk_idx >= ?", fromChunkIdx).
		Exec(ctx)
	return err
}

// TotalContentBytes returns the stored size of all content chunks. Used for
// quota enforcement; with encryption on this counts sealed bytes, a slight
// overestimate of the plaintext.
func (db *BunDB) TotalContentBytes(ctx context.Context) (int64, error) {
	return db.totalContentBytesWith(db.DB, ctx)
}

// TotalContentBytesWith is like TotalContentBytes but uses the provided bun.IDB (for transaction support).
func (db *BunDB) TotalContentBytesWith(idb bun.IDB, ctx context.Context) (int64, error) {
	return db.totalContentBytesWith(idb, ctx)
}

func (db *BunDB) totalContentBytesWith(idb bun.IDB, ctx context.Context) (int64, error) {
	var total sql.NullInt64
	err := idb.NewRaw(`SELECT SUM(LENGTH(data)) FROM fs_data`).Scan(ctx, &total)
	if err != nil {
		return 0, err
	}
	if total.Valid {
		return total.Int64, nil
	}
	return 0, nil
}

// --- Symlink Operations ---

// GetSymlink retrieves a symlink target blob.
func (db *BunDB) GetSymlink(ctx context.Context, ino int64) ([]byte, error) {
	return db.getSymlinkWith(db.DB, ctx, ino)
}

// GetSymlinkWith is like GetSymlink but uses the provided bun.IDB (for transaction support).
func (db *BunDB) GetSymlinkWith(idb bun.IDB, ctx context.Context, ino int64) ([]byte, error) {
	return db.getSymlinkWith(idb, ctx, ino)
}

func (db *BunDB) getSymlinkWith(idb bun.IDB, ctx context.Context, ino int64) ([]byte, error) {
	var target []byte
	err := idb.NewRaw(`SELECT target FROM fs_symlink WHERE ino = ?`, ino).Scan(ctx, &target)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	return target, err
}

// InsertSymlink stores a symlink target blob.
func (db *BunDB) InsertSymlink(ctx context.Context, ino int64, target []byte) error {
	return db.insertSymlinkWith(db.DB, ctx, ino, target)
}

// InsertSymlinkWith is like InsertSymlink but uses the provided bun.IDB (for transaction support).
func (db *BunDB) InsertSymlinkWith(idb bun.IDB, ctx context.Context, ino int64, target []byte) error {
	return db.insertSymlinkWith(idb, ctx, ino, target)
}

func (db *BunDB) insertSymlinkWith(idb bun.IDB, ctx context.Context, ino int64, target []byte) error {
	_, err := idb.NewInsert().
		Model(&SymlinkModel{Ino: ino, Target: target}).
		On("CONFLICT (ino) DO UPDATE").
		Set("target = EXCLUDED.target").
		Exec(ctx)
	return err
}

// --- KV Operations ---

// GetKV retrieves a single key-value row. Returns common.ErrNotFound for a
// missing key.
func (db *BunDB) GetKV(ctx context.Context, namespace, key string) (*KVEntryModel, error) {
	return db.getKVWith(db.DB, ctx, namespace, key)
}

// GetKVWith is like GetKV but uses the provided bun.IDB (for transaction support).
func (db *BunDB) GetKVWith(idb bun.IDB, ctx context.Context, namespace, key string) (*KVEntryModel, error) {
	return db.getKVWith(idb, ctx, namespace, key)
}

func (db *BunDB) getKVWith(idb bun.IDB, ctx context.Context, namespace, key string) (*KVEntryModel, error) {
	entry := new(KVEntryModel)
	err := idb.NewSelect().
		Model(entry).
		Where("namespace = ?", namespace).
		Where("key = ?", key).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// SetKV upserts a key-value row, bumping the version counter on update.
// Returns the resulting version.
func (db *BunDB) SetKV(ctx context.Context, namespace, key string, value []byte, now int64) (int64, error) {
	return db.setKVWith(db.DB, ctx, namespace, key, value, now)
}

// SetKVWith is like SetKV but uses the provided bun.IDB (for transaction support).
func (db *BunDB) SetKVWith(idb bun.IDB, ctx context.Context, namespace, key string, value []byte, now int64) (int64, error) {
	return db.setKVWith(idb, ctx, namespace, key, value, now)
}

func (db *BunDB) setKVWith(idb bun.IDB, ctx context.Context, namespace, key string, value []byte, now int64) (int64, error) {
	// RETURNING makes the upsert and the version read one statement, so
	// concurrent setters each see their own bump.
	entry := &KVEntryModel{
		Namespace: namespace,
		Key:       key,
		Value:     value,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := idb.NewInsert().
		Model(entry).
		On("CONFLICT (namespace, key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Set("version = version + 1").
		Set("updated_at = EXCLUDED.updated_at").
		Returning("version").
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return entry.Version, nil
}

// InsertKV creates a key-value row at version 1, failing with
// common.ErrExists when the key is already present.
func (db *BunDB) InsertKV(ctx context.Context, namespace, key string, value []byte, now int64) error {
	return db.insertKVWith(db.DB, ctx, namespace, key, value, now)
}

// InsertKVWith is like InsertKV but uses the provided bun.IDB (for transaction support).
func (db *BunDB) InsertKVWith(idb bun.IDB, ctx context.Context, namespace, key string, value []byte, now int64) error {
	return db.insertKVWith(idb, ctx, namespace, key, value, now)
}

func (db *BunDB) insertKVWith(idb bun.IDB, ctx context.Context, namespace, key string, value []byte, now int64) error {
	_, err := idb.NewInsert().
		Model(&KVEntryModel{
			Namespace: namespace,
			Key:       key,
			Value:     value,
			Version:   1,
			CreatedAt: now,
			UpdatedAt: now,
		}).
		Exec(ctx)
	if isUniqueViolation(err) {
		return common.ErrExists
	}
	return err
}

// UpdateKVIfVersion updates a row only when its version matches expected,
// bumping the version. Returns the new version, or common.ErrVersionConflict
// when the row is missing or the version moved.
func (db *BunDB) UpdateKVIfVersion(ctx context.Context, namespace, key string, value []byte, expected, now int64) (int64, error) {
	return db.updateKVIfVersionWith(db.DB, ctx, namespace, key, value, expected, now)
}

// UpdateKVIfVersionWith is like UpdateKVIfVersion but uses the provided bun.IDB (for transaction support).
func (db *BunDB) UpdateKVIfVersionWith(idb bun.IDB, ctx context.Context, namespace, key string, value []byte, expected, now int64) (int64, error) {
	return db.updateKVIfVersionWith(idb, ctx, namespace, key, value, expected, now)
}

func (db *BunDB) updateKVIfVersionWith(idb bun.IDB, ctx context.Context, namespace, key string, value []byte, expected, now int64) (int64, error) {
	res, err := idb.NewUpdate().
		Model((*KVEntryModel)(nil)).
		Set("value = ?", value).
		Set("version = version + 1").
		Set("updated_at = ?", now).
		Where("namespace = ?", namespace).
		Where("key = ?", key).
		Where("version = ?", expected).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected == 0 {
		return 0, common.ErrVersionConflict
	}
	return expected + 1, nil
}

// DeleteKV removes a key-value row. Returns common.ErrNotFound when the key
// is missing.
func (db *BunDB) DeleteKV(ctx context.Context, namespace, key string) error {
	return db.deleteKVWith(db.DB, ctx, namespace, key)
}

// DeleteKVWith is like DeleteKV but uses the provided bun.IDB (for transaction support).
func (db *BunDB) DeleteKVWith(idb bun.IDB, ctx context.Context, namespace, key string) error {
	return db.deleteKVWith(idb, ctx, namespace, key)
}

func (db *BunDB) deleteKVWith(idb bun.IDB, ctx context.Context, namespace, key string) error {
	res, err := idb.NewDelete().
		Model((*KVEntryModel)(nil)).
		Where("namespace = ?", namespace).
		Where("key = ?", key).
		Exec(ctx)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return common.ErrNotFound
	}
	return nil
}

// ListKV retrieves all rows of a namespace ordered by key.
func (db *BunDB) ListKV(ctx context.Context, namespace string) ([]KVEntryModel, error) {
	var entries []KVEntryModel
	err := db.NewSelect().
		Model(&entries).
		Where("namespace = ?", namespace).
		Order("key").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// ListKVNamespaces returns the distinct namespaces with at least one key,
// sorted.
func (db *BunDB) ListKVNamespaces(ctx context.Context) ([]string, error) {
	var namespaces []string
	err := db.NewRaw(`SELECT DISTINCT namespace FROM kv_store ORDER BY namespace`).
		Scan(ctx, &namespaces)
	if err != nil {
		return nil, err
	}
	return namespaces, nil
}

// --- Tool Call Audit Operations ---

// InsertToolCall appends an audit record.
func (db *BunDB) InsertToolCall(ctx context.Context, call *ToolCallModel) error {
	_, err := db.NewInsert().Model(call).Exec(ctx)
	return err
}

// ListToolCalls retrieves audit records newest first. limit <= 0 means no
// limit.
func (db *BunDB) ListToolCalls(ctx context.Context, limit int) ([]ToolCallModel, error) {
	var calls []ToolCallModel
	q := db.NewSelect().
		Model(&calls).
		Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return calls, nil
}

// ToolCallStat is one row of the per-tool aggregate.
type ToolCallStat struct {
	Tool            string  `bun:"tool"`
	Calls           int64   `bun:"calls"`
	Errors          int64   `bun:"errors"`
	TotalDurationUS int64   `bun:"total_duration_us"`
	AvgDurationUS   float64 `bun:"avg_duration_us"`
	MaxDurationUS   int64   `bun:"max_duration_us"`
}

// ToolCallStats aggregates the audit log per tool in SQL, ordered by tool
// name.
func (db *BunDB) ToolCallStats(ctx context.Context) ([]ToolCallStat, error) {
	var stats []ToolCallStat
	err := db.NewRaw(`
		SELECT
			tool,
			COUNT(*) AS calls,
			COALESCE(SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END), 0) AS errors,
			COALESCE(SUM(duration_us), 0) AS total_duration_us,
			COALESCE(AVG(duration_us), 0) AS avg_duration_us,
			COALESCE(MAX(duration_us), 0) AS max_duration_us
		FROM tool_calls
		GROUP BY tool
		ORDER BY tool
	`).Scan(ctx, &stats)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// isUniqueViolation reports whether an error is a SQLite unique or primary
// key constraint failure.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint violation")
}
