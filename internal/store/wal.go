package store

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
)

// RecType tags a WAL record.
type RecType uint8

const (
	RecBegin RecType = iota + 1
	RecUpdate
	RecCompensation
	RecCommit
	RecEnd
	RecCheckpointBegin
	RecCheckpointEnd
	// RecEOF is a logical marker only; it is never written to disk.
	RecEOF
)

func (t RecType) String() string {
	switch t {
	case RecBegin:
		return "BEGIN"
	case RecUpdate:
		return "UPDATE"
	case RecCompensation:
		return "COMPENSATION"
	case RecCommit:
		return "COMMIT"
	case RecEnd:
		return "END"
	case RecCheckpointBegin:
		return "CHECKPOINT_BEGIN"
	case RecCheckpointEnd:
		return "CHECKPOINT_END"
	case RecEOF:
		return "EOF"
	default:
		return "UNKNOWN"
	}
}

// Record is a single WAL entry, on disk laid out as:
//
//	[0]      type tag    (1 byte)
//	[1:9]    record LSN  (8 bytes, self-identifying position)
//	[9:17]   txn id      (8 bytes)
//	[17:25]  prev LSN    (8 bytes, same-txn chain)
//	[25:29]  payload len (4 bytes)
//	[29:...] payload     (variable)
//	[...:+4] CRC-32C      (4 bytes, over all preceding fields)
type Record struct {
	Type    RecType
	LSN     LSN
	TxID    TxID
	PrevLSN LSN // 0 if this is the first record in the txn's chain
	Payload []byte
}

const recFixedHdr = 1 + 8 + 8 + 8 // type + lsn + txid + prevlsn

// UpdatePayload is the payload carried by an UPDATE record: the page
// touched, its image before the change (the undo image) and after the
// change (the redo image). Physical-page logging keeps undo/redo trivial
// at the cost of one full page per record; numstore trades WAL density for
// a recovery pass with no per-page-kind special cases.
type UpdatePayload struct {
	Pgno   PGNO
	Before []byte // pageSize bytes; undo image
	After  []byte // pageSize bytes; redo image
}

func marshalUpdatePayload(p UpdatePayload) []byte {
	buf := make([]byte, 8+len(p.Before)+len(p.After))
	binary.LittleEndian.PutUint64(buf[0:], uint64(p.Pgno))
	copy(buf[8:], p.Before)
	copy(buf[8+len(p.Before):], p.After)
	return buf
}

func unmarshalUpdatePayload(buf []byte, pageSize int) (UpdatePayload, error) {
	if len(buf) != 8+2*pageSize {
		return UpdatePayload{}, fmt.Errorf("UPDATE payload is %d bytes, want %d", len(buf), 8+2*pageSize)
	}
	pgno := PGNO(binary.LittleEndian.Uint64(buf[0:]))
	before := append([]byte(nil), buf[8:8+pageSize]...)
	after := append([]byte(nil), buf[8+pageSize:8+2*pageSize]...)
	return UpdatePayload{Pgno: pgno, Before: before, After: after}, nil
}

// CompensationPayload is the payload carried by a COMPENSATION (CLR)
// record: the page restored, the image written (the undone operation's
// before-image), and the LSN undo should resume from next (letting
// recovery skip over the compensated record without re-examining it).
type CompensationPayload struct {
	Pgno        PGNO
	Image       []byte // pageSize bytes; the image re-applied
	UndoNextLSN LSN    // where this txn's undo continues after this CLR
}

func marshalCompensationPayload(p CompensationPayload) []byte {
	buf := make([]byte, 8+len(p.Image)+8)
	binary.LittleEndian.PutUint64(buf[0:], uint64(p.Pgno))
	copy(buf[8:], p.Image)
	binary.LittleEndian.PutUint64(buf[8+len(p.Image):], uint64(p.UndoNextLSN))
	return buf
}

func unmarshalCompensationPayload(buf []byte, pageSize int) (CompensationPayload, error) {
	if len(buf) != 8+pageSize+8 {
		return CompensationPayload{}, fmt.Errorf("COMPENSATION payload is %d bytes, want %d", len(buf), 8+pageSize+8)
	}
	pgno := PGNO(binary.LittleEndian.Uint64(buf[0:]))
	image := append([]byte(nil), buf[8:8+pageSize]...)
	undoNext := LSN(binary.LittleEndian.Uint64(buf[8+pageSize:]))
	return CompensationPayload{Pgno: pgno, Image: image, UndoNextLSN: undoNext}, nil
}

// CheckpointPayload is the payload carried by a CHECKPOINT_END record: a
// snapshot of the transaction table and dirty-page table as of the matching
// CHECKPOINT_BEGIN, letting the analysis pass seed both tables without
// scanning the entire log from the beginning.
type CheckpointPayload struct {
	Txns  []TxnEntry
	Dirty []DirtyPageEntry
}

func marshalCheckpointPayload(p CheckpointPayload) []byte {
	size := 4 + len(p.Txns)*(8+8+8+4) + 4 + len(p.Dirty)*(8+8)
	buf := make([]byte, size)
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(p.Txns)))
	off += 4
	for _, e := range p.Txns {
		binary.LittleEndian.PutUint64(buf[off:], uint64(e.TID))
		off += 8
		binary.LittleEndian.PutUint64(buf[off:], uint64(e.LastLSN))
		off += 8
		binary.LittleEndian.PutUint64(buf[off:], uint64(e.UndoNextLSN))
		off += 8
		binary.LittleEndian.PutUint32(buf[off:], uint32(e.State))
		off += 4
	}
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(p.Dirty)))
	off += 4
	for _, e := range p.Dirty {
		binary.LittleEndian.PutUint64(buf[off:], uint64(e.Pgno))
		off += 8
		binary.LittleEndian.PutUint64(buf[off:], uint64(e.RecLSN))
		off += 8
	}
	return buf
}

func unmarshalCheckpointPayload(buf []byte) (CheckpointPayload, error) {
	if len(buf) < 4 {
		return CheckpointPayload{}, fmt.Errorf("truncated checkpoint payload")
	}
	off := 0
	ntxn := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	var out CheckpointPayload
	for i := 0; i < ntxn; i++ {
		if off+28 > len(buf) {
			return CheckpointPayload{}, fmt.Errorf("truncated checkpoint txn entry %d", i)
		}
		e := TxnEntry{
			TID:         TxID(binary.LittleEndian.Uint64(buf[off:])),
			LastLSN:     LSN(binary.LittleEndian.Uint64(buf[off+8:])),
			UndoNextLSN: LSN(binary.LittleEndian.Uint64(buf[off+16:])),
			State:       TxnState(binary.LittleEndian.Uint32(buf[off+24:])),
		}
		off += 28
		out.Txns = append(out.Txns, e)
	}
	if off+4 > len(buf) {
		return CheckpointPayload{}, fmt.Errorf("truncated checkpoint dirty-page count")
	}
	ndirty := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	for i := 0; i < ndirty; i++ {
		if off+16 > len(buf) {
			return CheckpointPayload{}, fmt.Errorf("truncated checkpoint dirty entry %d", i)
		}
		out.Dirty = append(out.Dirty, DirtyPageEntry{
			Pgno:   PGNO(binary.LittleEndian.Uint64(buf[off:])),
			RecLSN: LSN(binary.LittleEndian.Uint64(buf[off+8:])),
		})
		off += 16
	}
	return out, nil
}

// ───────────────────────────────────────────────────────────────────────────
// WAL writer/reader
// ───────────────────────────────────────────────────────────────────────────

// WAL is the append-only log of physical-logical records. It buffers
// writes up to bufCap bytes before they must be flushed; flush_to forces
// durability of a prefix.
type WAL struct {
	mu       sync.Mutex
	f        *os.File
	bufCap   int
	buf      []byte // unflushed tail, logically starting at flushedEnd
	nextLSN  LSN
	diskSize int64 // bytes durably on disk
	flushed  LSN   // offset just past the last record known to be on disk
}

// walMagic/walHeaderSize: the WAL file opens with a fixed 16-byte header
// (magic + version, padded) before any record. This guarantees byte offset
// 0 is never a valid record LSN, so LSN 0 can double as "no record" in
// PrevLSN and UndoNextLSN without colliding with a real first record.
const (
	walMagic      = 0x53_4D_55_4E // "NUMS" as big-endian bytes, read little-endian
	walVersion    = 1
	walHeaderSize = 16
)

// OpenWAL opens or creates the WAL file at path. On open, any short tail
// record left by a half-written append is truncated away (the write that
// produced it never completed, so it never returned an LSN to a caller).
func OpenWAL(path string, bufCap int) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, Wrap(ErrIO, fmt.Errorf("open WAL %s: %w", path, err))
	}
	w := &WAL{f: f, bufCap: bufCap}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, Wrap(ErrIO, err)
	}
	if info.Size() == 0 {
		if err := w.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
	} else if err := w.validateHeader(); err != nil {
		f.Close()
		return nil, err
	}
	if err := w.recoverTail(); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

func (w *WAL) writeHeader() error {
	hdr := make([]byte, walHeaderSize)
	binary.LittleEndian.PutUint64(hdr[0:8], walMagic)
	binary.LittleEndian.PutUint32(hdr[8:12], walVersion)
	if _, err := w.f.WriteAt(hdr, 0); err != nil {
		return Wrap(ErrIO, fmt.Errorf("write WAL header: %w", err))
	}
	if err := w.f.Sync(); err != nil {
		return Wrap(ErrIO, fmt.Errorf("fsync WAL header: %w", err))
	}
	w.diskSize = walHeaderSize
	return nil
}

func (w *WAL) validateHeader() error {
	hdr := make([]byte, walHeaderSize)
	if _, err := w.f.ReadAt(hdr, 0); err != nil {
		return Wrap(ErrCorrupt, fmt.Errorf("read WAL header: %w", err))
	}
	if binary.LittleEndian.Uint64(hdr[0:8]) != walMagic {
		return Wrapf(ErrCorrupt, "WAL header magic mismatch")
	}
	return nil
}

// recoverTail scans the WAL for the last valid record boundary and
// truncates any incomplete trailing bytes, per the WAL's read contract.
func (w *WAL) recoverTail() error {
	info, err := w.f.Stat()
	if err != nil {
		return Wrap(ErrIO, err)
	}
	validEnd := int64(walHeaderSize)
	nextLSN := LSN(walHeaderSize)
	r := io.NewSectionReader(w.f, 0, info.Size())
	off := int64(walHeaderSize)
	for {
		rec, n, err := readRecordAt(r, off)
		if err != nil {
			break // incomplete/corrupt tail: stop here
		}
		off += int64(n)
		validEnd = off
		nextLSN = rec.LSN + LSN(n)
	}
	if validEnd != info.Size() {
		if err := w.f.Truncate(validEnd); err != nil {
			return Wrap(ErrIO, fmt.Errorf("truncate WAL tail: %w", err))
		}
	}
	w.diskSize = validEnd
	w.flushed = nextLSN
	w.nextLSN = nextLSN
	return nil
}

// Write buffers rec and assigns it the next LSN. The record is not durable
// until FlushTo(lsn) or later is called. Used for record types whose
// payload does not depend on its own LSN (BEGIN, COMMIT, END,
// CHECKPOINT_BEGIN, CHECKPOINT_END).
func (w *WAL) Write(rec Record) (LSN, error) {
	return w.Append(rec.Type, rec.TxID, rec.PrevLSN, func(LSN) []byte { return rec.Payload })
}

// Append reserves the next LSN under the WAL's lock and hands it to
// buildPayload before marshaling, so a payload that must embed its own
// record's LSN (an UPDATE or COMPENSATION page image, which is stamped
// with the LSN that will redo it) can be built correctly without a
// separate reservation step racing another writer.
func (w *WAL) Append(rectype RecType, tid TxID, prevLSN LSN, buildPayload func(lsn LSN) []byte) (LSN, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	lsn := w.nextLSN
	payload := buildPayload(lsn)
	rec := Record{Type: rectype, LSN: lsn, TxID: tid, PrevLSN: prevLSN, Payload: payload}
	raw := marshalRecord(rec)
	w.nextLSN += LSN(len(raw))
	w.buf = append(w.buf, raw...)
	if len(w.buf) >= w.bufCap {
		if err := w.flushLocked(lsn + LSN(len(raw))); err != nil {
			return 0, err
		}
	}
	return lsn, nil
}

// FlushTo forces all buffered bytes up to and including lsn to disk and
// fsyncs. This is the WAL-before-data primitive: the buffer manager must
// call FlushTo(pageLSN) before writing a dirty page to the data file.
func (w *WAL) FlushTo(lsn LSN) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if lsn < w.flushed {
		return nil
	}
	return w.flushLocked(w.nextLSN)
}

func (w *WAL) flushLocked(upTo LSN) error {
	if len(w.buf) == 0 {
		return nil
	}
	n, err := w.f.WriteAt(w.buf, w.diskSize)
	if err != nil {
		return Wrap(ErrIO, fmt.Errorf("WAL append: %w", err))
	}
	if n != len(w.buf) {
		return Wrap(ErrIO, fmt.Errorf("WAL short append: wrote %d of %d bytes", n, len(w.buf)))
	}
	if err := w.f.Sync(); err != nil {
		return Wrap(ErrIO, fmt.Errorf("WAL fsync: %w", err))
	}
	w.diskSize += int64(len(w.buf))
	w.buf = w.buf[:0]
	w.flushed = upTo
	return nil
}

// NextLSN returns the LSN that the next Write call will assign.
func (w *WAL) NextLSN() LSN {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextLSN
}

// Close flushes and closes the WAL file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.flushLocked(w.nextLSN); err != nil {
		return err
	}
	return w.f.Close()
}

// TruncateAfterCheckpoint is a no-op: no WAL bytes are discarded, and the
// whole WAL is kept regardless of keepFrom. LSNs double as byte offsets
// here, so dropping a prefix would renumber every later record. Recovery
// reads from the last CHECKPOINT_BEGIN forward, so its cost is bounded by
// time since the last checkpoint, not by WAL size.
func (w *WAL) TruncateAfterCheckpoint(keepFrom LSN) {}

// Reader streams records forward from the start of the WAL file.
type Reader struct {
	w   *WAL
	off int64
}

// NewReader returns a Reader positioned at the start of the WAL's records
// (just past the file header).
func (w *WAL) NewReader() *Reader { return &Reader{w: w, off: walHeaderSize} }

// NewReaderAt returns a Reader positioned at lsn, the byte offset of a
// record boundary (LSN values are themselves byte offsets into the WAL
// file, since the WAL never rewrites or renumbers a record after writing
// it).
func (w *WAL) NewReaderAt(lsn LSN) *Reader { return &Reader{w: w, off: int64(lsn)} }

// Next returns the next record, or RecEOF-typed zero Record with err == nil
// at end of stream. A corrupt record (bad CRC) returns a CORRUPT error.
func (r *Reader) Next() (Record, error) {
	r.w.mu.Lock()
	size := r.w.diskSize
	f := r.w.f
	r.w.mu.Unlock()

	if r.off >= size {
		return Record{Type: RecEOF}, nil
	}
	sr := io.NewSectionReader(f, 0, size)
	rec, n, err := readRecordAt(sr, r.off)
	if err != nil {
		return Record{}, Wrap(ErrCorrupt, err)
	}
	r.off += int64(n)
	return rec, nil
}

// marshalRecord lays out a record as: fixed header, 4-byte payload length,
// payload, CRC-32C over everything preceding it. The explicit length lets a
// reader skip past any payload shape (fixed-size for BEGIN/COMMIT/END,
// variable for UPDATE/COMPENSATION/CHECKPOINT_END) without knowing the
// record type's schema in advance.
func marshalRecord(rec Record) []byte {
	total := recFixedHdr + 4 + len(rec.Payload) + 4
	buf := make([]byte, total)
	buf[0] = byte(rec.Type)
	binary.LittleEndian.PutUint64(buf[1:9], uint64(rec.LSN))
	binary.LittleEndian.PutUint64(buf[9:17], uint64(rec.TxID))
	binary.LittleEndian.PutUint64(buf[17:25], uint64(rec.PrevLSN))
	binary.LittleEndian.PutUint32(buf[25:29], uint32(len(rec.Payload)))
	copy(buf[29:], rec.Payload)
	crc := crc32.Checksum(buf[:total-4], crcTable)
	binary.LittleEndian.PutUint32(buf[total-4:], crc)
	return buf
}

// readRecordAt reads one record starting at byte offset off within src,
// returning the record, its on-disk length, and an error if the record is
// incomplete or fails its CRC.
func readRecordAt(src *io.SectionReader, off int64) (Record, int, error) {
	hdr := make([]byte, recFixedHdr+4)
	if _, err := src.ReadAt(hdr, off); err != nil {
		return Record{}, 0, fmt.Errorf("short record header: %w", err)
	}
	rec := Record{
		Type:    RecType(hdr[0]),
		LSN:     LSN(binary.LittleEndian.Uint64(hdr[1:9])),
		TxID:    TxID(binary.LittleEndian.Uint64(hdr[9:17])),
		PrevLSN: LSN(binary.LittleEndian.Uint64(hdr[17:25])),
	}
	plen := int(binary.LittleEndian.Uint32(hdr[25:29]))
	total := recFixedHdr + 4 + plen + 4
	raw := make([]byte, total)
	if _, err := src.ReadAt(raw, off); err != nil {
		return Record{}, 0, fmt.Errorf("short record body: %w", err)
	}
	storedCRC := binary.LittleEndian.Uint32(raw[total-4:])
	computed := crc32.Checksum(raw[:total-4], crcTable)
	if storedCRC != computed {
		return Record{}, 0, fmt.Errorf("record at offset %d: CRC mismatch (stored %08x, computed %08x)", off, storedCRC, computed)
	}
	rec.Payload = append([]byte(nil), raw[recFixedHdr+4:recFixedHdr+4+plen]...)
	return rec, total, nil
}
