package transfer

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"time"

	"github.com/shan-hee/EasySSH-sub011/internal/faults"
	"github.com/shan-hee/EasySSH-sub011/internal/protocol"
)

// closeAckTimeout bounds the wait for the client's SFTP_CLOSE after the
// final folder chunk.
const closeAckTimeout = 30 * time.Second

var errCancelled = errors.New("operation cancelled")

func fsMode(mode uint32) os.FileMode {
	return os.FileMode(mode)
}

// folderPacker streams a tar archive as fixed-size checksummed chunks. Tar
// output accumulates in buf; full chunks are flushed as non-final frames and
// whatever remains after the archive closes goes out as the final frame.
type folderPacker struct {
	m          *Manager
	op         *Operation
	chunkSize  int
	buf        bytes.Buffer
	chunkIndex int
	packed     uint64
	lastReport uint64
}

func (p *folderPacker) Write(b []byte) (int, error) {
	return p.buf.Write(b)
}

// flushFull emits every complete chunk currently buffered.
func (p *folderPacker) flushFull(ctx context.Context) error {
	for p.buf.Len() >= p.chunkSize {
		chunk := make([]byte, p.chunkSize)
		p.buf.Read(chunk)
		if err := p.send(ctx, chunk, false, nil); err != nil {
			return err
		}
	}
	return nil
}

// folderTail is the metadata carried only on the final chunk.
type folderTail struct {
	summary      string
	skippedFiles []string
	errorFiles   []string
}

// flushFinal emits the remaining bytes as the final chunk. The final frame is
// sent even when empty so the client always sees exactly one final=true.
func (p *folderPacker) flushFinal(ctx context.Context, tail *folderTail) error {
	cp := make([]byte, p.buf.Len())
	copy(cp, p.buf.Bytes())
	p.buf.Reset()
	return p.send(ctx, cp, true, tail)
}

func (p *folderPacker) send(ctx context.Context, chunk []byte, final bool, tail *folderTail) error {
	sum := sha256.Sum256(chunk)
	hdr := protocol.FolderDataHeader{
		OperationID: p.op.ID,
		IsChunked:   true,
		ChunkIndex:  p.chunkIndex,
		Final:       final,
		Checksum:    hex.EncodeToString(sum[:]),
	}
	if tail != nil {
		hdr.Summary = tail.summary
		hdr.SkippedFiles = tail.skippedFiles
		hdr.ErrorFiles = tail.errorFiles
	}
	p.chunkIndex++
	p.packed += uint64(len(chunk))
	p.m.countBytes("download", len(chunk))

	if err := p.m.emit(ctx, p.op, protocol.RespFolderData, hdr, chunk); err != nil {
		return err
	}

	transferred, total := p.op.advance(uint64(len(chunk)))
	if transferred-p.lastReport >= progressEvery && !final {
		p.lastReport = transferred
		return p.m.progress(ctx, p.op, transferred, total, "download")
	}
	return nil
}

// runFolderDownload walks the remote folder, packs readable files into a
// chunked tar stream, and completes after the client acknowledges the final
// chunk. Unreadable entries are skipped and reported in the final chunk
// rather than failing the whole operation.
func (m *Manager) runFolderDownload(ctx context.Context, op *Operation) error {
	root, err := m.files.Stat(op.Path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", op.Path, err)
	}
	if !root.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", faults.ErrValidation, op.Path)
	}
	op.start(m.folderTotal(op.Path))

	packer := &folderPacker{m: m, op: op, chunkSize: m.folderChunkSize}
	tw := tar.NewWriter(packer)

	var fileCount int
	var byteCount int64
	var skipped, failed []string

	var walk func(dir, rel string) error
	walk = func(dir, rel string) error {
		entries, err := m.files.List(dir)
		if err != nil {
			skipped = append(skipped, relName(rel, path.Base(dir)))
			log.Printf("[transfer] operation %s: skipping unreadable directory %s: %v", op.ID, dir, err)
			return nil
		}
		for _, fi := range entries {
			if op.cancelled() {
				return errCancelled
			}
			if err := ctx.Err(); err != nil {
				return err
			}

			name := path.Join(rel, fi.Name())
			full := path.Join(dir, fi.Name())

			if fi.IsDir() {
				hdr := &tar.Header{
					Name:     name + "/",
					Mode:     int64(fi.Mode().Perm()),
					ModTime:  fi.ModTime(),
					Typeflag: tar.TypeDir,
				}
				if err := tw.WriteHeader(hdr); err != nil {
					return fmt.Errorf("tar header %s: %w", name, err)
				}
				if err := walk(full, name); err != nil {
					return err
				}
				continue
			}
			if !fi.Mode().IsRegular() {
				skipped = append(skipped, name)
				continue
			}

			src, err := m.files.Open(full)
			if err != nil {
				skipped = append(skipped, name)
				log.Printf("[transfer] operation %s: skipping unreadable file %s: %v", op.ID, full, err)
				continue
			}

			hdr := &tar.Header{
				Name:    name,
				Mode:    int64(fi.Mode().Perm()),
				Size:    fi.Size(),
				ModTime: fi.ModTime(),
			}
			if err := tw.WriteHeader(hdr); err != nil {
				src.Close()
				return fmt.Errorf("tar header %s: %w", name, err)
			}
			n, err := io.Copy(tw, src)
			src.Close()
			if err != nil {
				// The tar entry is now short; pad to the declared size so
				// later entries stay aligned, and report the file.
				if pad := fi.Size() - n; pad > 0 {
					io.CopyN(tw, zeroReader{}, pad)
				}
				failed = append(failed, name)
				log.Printf("[transfer] operation %s: partial read of %s: %v", op.ID, full, err)
			}
			fileCount++
			byteCount += n

			if err := packer.flushFull(ctx); err != nil {
				return err
			}
		}
		return nil
	}

	if err := walk(op.Path, ""); err != nil {
		if errors.Is(err, errCancelled) {
			return m.cancel(ctx, op)
		}
		return err
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("finalize archive: %w", err)
	}
	if err := packer.flushFull(ctx); err != nil {
		return err
	}

	summary := fmt.Sprintf("%d files, %d bytes", fileCount, byteCount)
	if len(skipped) > 0 {
		summary += fmt.Sprintf(", %d skipped", len(skipped))
	}
	if len(failed) > 0 {
		summary += fmt.Sprintf(", %d with errors", len(failed))
	}
	if err := packer.flushFinal(ctx, &folderTail{
		summary:      summary,
		skippedFiles: skipped,
		errorFiles:   failed,
	}); err != nil {
		return err
	}

	// The client confirms the final chunk with SFTP_CLOSE before the
	// operation completes; a cancel during the wait still wins.
	timer := time.NewTimer(closeAckTimeout)
	defer timer.Stop()
	select {
	case <-op.closeAck:
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("timed out waiting for close acknowledgement of operation %s", op.ID)
	}
	if op.cancelled() {
		return m.cancel(ctx, op)
	}

	return m.complete(ctx, op, protocol.SuccessHeader{
		OperationID: op.ID,
		Filename:    path.Base(op.Path) + ".tar",
		Size:        int64(packer.packed),
	})
}

// folderTotal sums regular-file sizes under root for the progress estimate.
// Archive framing adds a little on top, so bytesTransferred can run slightly
// past this total. Unreadable directories contribute nothing here; the walk
// proper reports them as skipped.
func (m *Manager) folderTotal(root string) uint64 {
	var total uint64
	var walk func(dir string)
	walk = func(dir string) {
		entries, err := m.files.List(dir)
		if err != nil {
			return
		}
		for _, fi := range entries {
			if fi.IsDir() {
				walk(path.Join(dir, fi.Name()))
				continue
			}
			if fi.Mode().IsRegular() {
				total += uint64(fi.Size())
			}
		}
	}
	walk(root)
	return total
}

// zeroReader yields zero bytes forever; used to pad a truncated tar entry.
type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func relName(rel, base string) string {
	if rel == "" {
		return base
	}
	return rel
}
