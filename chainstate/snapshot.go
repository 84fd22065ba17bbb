package chainstate

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// snapshotFiles lists, relative to a ChainStateSet's root directory, exactly
// the whitelist of §4.6: the three body-MMR backends' data/hash/prune files
// (kernel has no prune file, since it never prunes) plus the per-header
// live-leaf bitmap named with headerHash for each prunable backend. The
// header MMR itself is not part of a txhashset snapshot — it is the
// sync-head chain, not UTXO state.
func snapshotFiles(headerHash string) []string {
	return []string{
		filepath.Join(kernelDir, "pmmr_data.bin"),
		filepath.Join(kernelDir, "pmmr_hash.bin"),
		filepath.Join(outputIDir, "pmmr_data.bin"),
		filepath.Join(outputIDir, "pmmr_hash.bin"),
		filepath.Join(outputIDir, "pmmr_prun.bin"),
		filepath.Join(outputIIDir, "pmmr_data.bin"),
		filepath.Join(outputIIDir, "pmmr_hash.bin"),
		filepath.Join(outputIIDir, "pmmr_prun.bin"),
		filepath.Join(outputIDir, "pmmr_leaf.bin."+headerHash),
		filepath.Join(outputIIDir, "pmmr_leaf.bin."+headerHash),
	}
}

// snapshotArchivePath is the canonical, cacheable export path for a given
// header's snapshot, matching §4.6's txhashset_snapshot_{hash}.zip naming.
func snapshotArchivePath(rootDir, headerHash string) string {
	return filepath.Join(rootDir, "txhashset_snapshot_"+headerHash+".zip")
}

const snapshotGCAge = 24 * time.Hour

// ZipWrite produces (or reuses) the fast-sync export archive for headerHash
// under rootDir, archiving exactly the §4.6 whitelist out of dir (the live
// txhashset directory). If the canonical archive already exists it is
// reused as-is, matching zip_read's cache-hit path; otherwise stale
// snapshot archives older than 24h are garbage-collected first, then a
// fresh archive is built. Returns the archive's path.
func ZipWrite(dir, rootDir, headerHash string) (string, error) {
	archivePath := snapshotArchivePath(rootDir, headerHash)
	if _, err := os.Stat(archivePath); err == nil {
		return archivePath, nil
	} else if !os.IsNotExist(err) {
		return "", wrapErr("zip_write", err)
	}

	if err := gcStaleSnapshots(rootDir); err != nil {
		return "", wrapErr("zip_write", err)
	}

	f, err := os.Create(archivePath)
	if err != nil {
		return "", wrapErr("zip_write", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	for _, rel := range snapshotFiles(headerHash) {
		if err := addFileToZip(zw, dir, rel); err != nil {
			zw.Close()
			return "", wrapErr("zip_write", err)
		}
	}
	if err := zw.Close(); err != nil {
		return "", wrapErr("zip_write", err)
	}
	return archivePath, nil
}

// gcStaleSnapshots removes every txhashset_snapshot_*.zip under rootDir
// whose modification time is older than snapshotGCAge, the way §4.6
// describes zip_read doing before building a fresh export.
func gcStaleSnapshots(rootDir string) error {
	entries, err := os.ReadDir(rootDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	cutoff := time.Now().Add(-snapshotGCAge)
	for _, ent := range entries {
		name := ent.Name()
		if ent.IsDir() || !strings.HasPrefix(name, "txhashset_snapshot_") || !strings.HasSuffix(name, ".zip") {
			continue
		}
		info, err := ent.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(rootDir, name))
		}
	}
	return nil
}

func addFileToZip(zw *zip.Writer, dir, rel string) error {
	src, err := os.Open(filepath.Join(dir, rel))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer src.Close()

	w, err := zw.Create(rel)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, src)
	return err
}

// ZipRead unpacks a fast-sync archive into a freshly created staging
// directory under dir, named with a random suffix so concurrent imports
// (or a retried import) never collide, and returns the staging directory's
// path. The caller validates the staged chain state before calling
// TxHashSetReplace to swap it in.
func ZipRead(dir, archivePath string) (string, error) {
	staging := filepath.Join(dir, "zip-stage-"+uuid.NewString())
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return "", wrapErr("zip_read", err)
	}

	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return "", wrapErr("zip_read", err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if err := extractZipFile(staging, f); err != nil {
			return "", wrapErr("zip_read", err)
		}
	}
	return staging, nil
}

func extractZipFile(staging string, f *zip.File) error {
	dest := filepath.Join(staging, f.Name)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, rc)
	return err
}

// TxHashSetReplace swaps a chain state's on-disk MMR files for the
// contents of a staged directory built by ZipRead, the final step of a
// fast-sync import once the staged state has validated. headerHash must
// match the header the staged archive was built for, so the per-header
// leaf-bitmap files land under the same name the destination will look
// them up by. Any ChainStateSet open on dir must already have released its
// file handles (ReleaseBackendFiles) before this is called, and the caller must re-Open
// a fresh ChainStateSet from dir afterwards.
func TxHashSetReplace(dir, stagingDir, headerHash string) error {
	for _, rel := range snapshotFiles(headerHash) {
		src := filepath.Join(stagingDir, rel)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		dst := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return wrapErr("txhashset_replace", err)
		}
		if err := replaceFile(src, dst); err != nil {
			return wrapErr("txhashset_replace", err)
		}
	}
	return os.RemoveAll(stagingDir)
}

func replaceFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
