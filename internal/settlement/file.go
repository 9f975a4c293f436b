package settlement

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/encoding/traditionalchinese"
)

// The clearing file is line-oriented with a fixed record width of 150
// bytes. Widths are BYTE widths of the Big5 encoding: a two-byte Big5
// character takes two positions. All fields except the merchant name
// are plain ASCII, so only that one is run through the Big5 codec.
const recordWidth = 150

// Record type discriminators, first byte of each line.
const (
	headerType  = 'H'
	detailType  = 'D'
	trailerType = 'T'
)

// Header identifies one clearing file.
type Header struct {
	FileID       string
	Version      string
	Created      string // YYYYMMDD
	CreatedTime  string // HHMMSS
	Sender       string // originating institution, 7 digits
	Receiver     string // receiving institution, 7 digits
	BusinessDate string // YYYYMMDD, the settlement day the file covers
}

// Trailer carries the control totals for the detail records. Amount
// totals are unsigned control sums over the amount field as written;
// the debit/credit split is from the receiving institution's
// perspective (debit: receiver is issuer, credit: receiver is
// acquirer).
type Trailer struct {
	RecordCount  int
	TotalAmount  decimal.Decimal
	DebitAmount  decimal.Decimal
	CreditAmount decimal.Decimal
	DebitCount   int
	CreditCount  int
	Checksum     string
}

// File is one parsed clearing file.
type File struct {
	Header  Header
	Details []*Record
	Trailer Trailer
}

// cursor walks a raw record left to right.
type cursor struct {
	buf []byte
	off int
}

func (c *cursor) next(n int) []byte {
	v := c.buf[c.off : c.off+n]
	c.off += n
	return v
}

func (c *cursor) str(n int) string {
	return strings.TrimRight(string(c.next(n)), " ")
}

func (c *cursor) amount(n int) (decimal.Decimal, error) {
	return parseAmount(c.next(n))
}

func (c *cursor) count(n int) (int, error) {
	v, err := strconv.Atoi(string(c.next(n)))
	if err != nil {
		return 0, fmt.Errorf("settlement: bad count field: %w", err)
	}
	return v, nil
}

// parseAmount reads a zero-padded digit run whose last two digits are
// cents.
func parseAmount(b []byte) (decimal.Decimal, error) {
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return decimal.Zero, fmt.Errorf("settlement: bad amount field %q: %w", b, err)
	}
	return decimal.New(n, -2), nil
}

// Parse reads a complete clearing file and verifies its trailer
// controls. The reader must yield raw Big5 bytes.
func Parse(r io.Reader) (*File, error) {
	var (
		f           File
		haveHeader  bool
		haveTrailer bool
		hash        = sha1.New()
		line        int
	)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line++
		raw := bytes.TrimSuffix(sc.Bytes(), []byte{'\r'})
		if len(raw) == 0 {
			continue
		}
		if haveTrailer {
			return nil, fmt.Errorf("settlement: line %d: data after trailer", line)
		}
		if len(raw) != recordWidth {
			return nil, fmt.Errorf("settlement: line %d: got %d bytes: %w", line, len(raw), ErrRecordLength)
		}
		switch raw[0] {
		case headerType:
			if haveHeader {
				return nil, fmt.Errorf("settlement: line %d: duplicate header", line)
			}
			f.Header = parseHeader(raw)
			haveHeader = true
		case detailType:
			if !haveHeader {
				return nil, fmt.Errorf("settlement: line %d: %w", line, ErrMissingHeader)
			}
			rec, err := parseDetail(raw)
			if err != nil {
				return nil, fmt.Errorf("settlement: line %d: %w", line, err)
			}
			hash.Write(raw)
			f.Details = append(f.Details, rec)
		case trailerType:
			if !haveHeader {
				return nil, fmt.Errorf("settlement: line %d: %w", line, ErrMissingHeader)
			}
			t, err := parseTrailer(raw)
			if err != nil {
				return nil, fmt.Errorf("settlement: line %d: %w", line, err)
			}
			f.Trailer = t
			haveTrailer = true
		default:
			return nil, fmt.Errorf("settlement: line %d: type %q: %w", line, raw[0], ErrRecordType)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("settlement: read: %w", err)
	}
	if !haveHeader {
		return nil, ErrMissingHeader
	}
	if !haveTrailer {
		return nil, ErrMissingTrailer
	}
	if err := verify(&f, hex.EncodeToString(hash.Sum(nil))); err != nil {
		return nil, err
	}
	return &f, nil
}

func parseHeader(raw []byte) Header {
	c := cursor{buf: raw, off: 1}
	return Header{
		FileID:       c.str(8),
		Version:      c.str(3),
		Created:      c.str(8),
		CreatedTime:  c.str(6),
		Sender:       c.str(7),
		Receiver:     c.str(7),
		BusinessDate: c.str(8),
	}
}

func parseDetail(raw []byte) (*Record, error) {
	c := cursor{buf: raw, off: 1}
	rec := &Record{Status: MatchPending}
	rec.Date = c.str(8)
	rec.TxRef = c.str(12)
	rec.STAN = c.str(6)
	rec.RRN = c.str(12)
	rec.TxType = c.str(4)
	rec.AcquiringBank = c.str(7)
	rec.IssuingBank = c.str(7)
	rec.PAN = c.str(16)

	var err error
	if rec.Amount, err = c.amount(12); err != nil {
		return nil, err
	}
	rec.Currency = c.str(3)
	if rec.Fee, err = c.amount(12); err != nil {
		return nil, err
	}
	rec.TerminalID = c.str(8)
	if rec.MerchantID, err = decodeBig5(c.next(15)); err != nil {
		return nil, err
	}
	rec.AuthCode = c.str(6)
	rec.ResponseCode = c.str(2)

	switch flag := c.next(1)[0]; flag {
	case 'Y':
		rec.Reversal = true
	case 'N':
		rec.Reversal = false
	default:
		return nil, fmt.Errorf("settlement: bad reversal flag %q", flag)
	}
	rec.OriginalRef = c.str(12)
	rec.Channel = c.str(6)
	return rec, nil
}

func parseTrailer(raw []byte) (Trailer, error) {
	c := cursor{buf: raw, off: 1}
	var (
		t   Trailer
		err error
	)
	if t.RecordCount, err = c.count(8); err != nil {
		return t, err
	}
	if t.TotalAmount, err = c.amount(16); err != nil {
		return t, err
	}
	if t.DebitAmount, err = c.amount(16); err != nil {
		return t, err
	}
	if t.CreditAmount, err = c.amount(16); err != nil {
		return t, err
	}
	if t.DebitCount, err = c.count(8); err != nil {
		return t, err
	}
	if t.CreditCount, err = c.count(8); err != nil {
		return t, err
	}
	t.Checksum = c.str(40)
	return t, nil
}

// verify checks the trailer controls against the parsed details.
func verify(f *File, wantChecksum string) error {
	if f.Trailer.RecordCount != len(f.Details) {
		return fmt.Errorf("%w: record count %d, details %d",
			ErrTrailerMismatch, f.Trailer.RecordCount, len(f.Details))
	}

	total := decimal.Zero
	debit, credit := decimal.Zero, decimal.Zero
	debitN, creditN := 0, 0
	for _, rec := range f.Details {
		total = total.Add(rec.Amount)
		switch f.Header.Receiver {
		case rec.IssuingBank:
			debit = debit.Add(rec.Amount)
			debitN++
		case rec.AcquiringBank:
			credit = credit.Add(rec.Amount)
			creditN++
		}
	}
	if !f.Trailer.TotalAmount.Equal(total) {
		return fmt.Errorf("%w: total %s, details sum %s",
			ErrTrailerMismatch, f.Trailer.TotalAmount, total)
	}
	// The debit/credit split is only checkable when the header names
	// the receiving institution.
	if f.Header.Receiver != "" {
		if !f.Trailer.DebitAmount.Equal(debit) || f.Trailer.DebitCount != debitN {
			return fmt.Errorf("%w: debit %s/%d, details %s/%d",
				ErrTrailerMismatch, f.Trailer.DebitAmount, f.Trailer.DebitCount, debit, debitN)
		}
		if !f.Trailer.CreditAmount.Equal(credit) || f.Trailer.CreditCount != creditN {
			return fmt.Errorf("%w: credit %s/%d, details %s/%d",
				ErrTrailerMismatch, f.Trailer.CreditAmount, f.Trailer.CreditCount, credit, creditN)
		}
	}

	// Upstream writes an all-zero checksum when the digest step is
	// disabled; tolerate that and blank.
	sum := strings.TrimRight(f.Trailer.Checksum, " ")
	if sum == "" || sum == strings.Repeat("0", 40) {
		return nil
	}
	if !strings.EqualFold(sum, wantChecksum) {
		return fmt.Errorf("%w: trailer %s, computed %s", ErrChecksum, sum, wantChecksum)
	}
	return nil
}

// Write formats a complete file in Big5 with computed control totals
// and returns the trailer it wrote.
func Write(w io.Writer, h Header, records []*Record) (Trailer, error) {
	var out bytes.Buffer

	hdr, err := formatHeader(h)
	if err != nil {
		return Trailer{}, err
	}
	out.Write(hdr)
	out.WriteByte('\n')

	hash := sha1.New()
	total := decimal.Zero
	debit, credit := decimal.Zero, decimal.Zero
	debitN, creditN := 0, 0
	for i, rec := range records {
		line, err := formatDetail(rec)
		if err != nil {
			return Trailer{}, fmt.Errorf("settlement: record %d: %w", i, err)
		}
		hash.Write(line)
		out.Write(line)
		out.WriteByte('\n')

		total = total.Add(rec.Amount)
		switch h.Receiver {
		case rec.IssuingBank:
			debit = debit.Add(rec.Amount)
			debitN++
		case rec.AcquiringBank:
			credit = credit.Add(rec.Amount)
			creditN++
		}
	}

	t := Trailer{
		RecordCount:  len(records),
		TotalAmount:  total,
		DebitAmount:  debit,
		CreditAmount: credit,
		DebitCount:   debitN,
		CreditCount:  creditN,
		Checksum:     hex.EncodeToString(hash.Sum(nil)),
	}
	tl, err := formatTrailer(t)
	if err != nil {
		return Trailer{}, err
	}
	out.Write(tl)
	out.WriteByte('\n')

	if _, err := w.Write(out.Bytes()); err != nil {
		return Trailer{}, fmt.Errorf("settlement: write: %w", err)
	}
	return t, nil
}

func formatHeader(h Header) ([]byte, error) {
	b := newBuilder(headerType)
	b.pad(h.FileID, 8)
	b.pad(h.Version, 3)
	b.digits(h.Created, 8)
	b.digits(h.CreatedTime, 6)
	b.digits(h.Sender, 7)
	b.digits(h.Receiver, 7)
	b.digits(h.BusinessDate, 8)
	return b.finish()
}

func formatDetail(rec *Record) ([]byte, error) {
	b := newBuilder(detailType)
	b.digits(rec.Date, 8)
	b.pad(rec.TxRef, 12)
	b.digits(rec.STAN, 6)
	b.digits(rec.RRN, 12)
	b.pad(rec.TxType, 4)
	b.digits(rec.AcquiringBank, 7)
	b.digits(rec.IssuingBank, 7)
	b.pad(rec.PAN, 16)
	b.amount(rec.Amount, 12)
	b.digits(rec.Currency, 3)
	b.amount(rec.Fee, 12)
	b.pad(rec.TerminalID, 8)
	b.big5(rec.MerchantID, 15)
	b.pad(rec.AuthCode, 6)
	b.pad(rec.ResponseCode, 2)
	if rec.Reversal {
		b.raw("Y")
	} else {
		b.raw("N")
	}
	b.pad(rec.OriginalRef, 12)
	b.pad(rec.Channel, 6)
	return b.finish()
}

func formatTrailer(t Trailer) ([]byte, error) {
	b := newBuilder(trailerType)
	b.countField(t.RecordCount, 8)
	b.amount(t.TotalAmount, 16)
	b.amount(t.DebitAmount, 16)
	b.amount(t.CreditAmount, 16)
	b.countField(t.DebitCount, 8)
	b.countField(t.CreditCount, 8)
	b.pad(t.Checksum, 40)
	return b.finish()
}

// builder accumulates one fixed-width record, collecting the first
// field error instead of forcing a check per call.
type builder struct {
	buf bytes.Buffer
	err error
}

func newBuilder(typ byte) *builder {
	b := &builder{}
	b.buf.WriteByte(typ)
	return b
}

// pad writes an ASCII field right-padded with spaces.
func (b *builder) pad(s string, width int) {
	if b.err != nil {
		return
	}
	if len(s) > width {
		b.err = fmt.Errorf("%w: %q in %d", ErrFieldWidth, s, width)
		return
	}
	b.buf.WriteString(s)
	b.buf.WriteString(strings.Repeat(" ", width-len(s)))
}

// digits writes a numeric field left-padded with zeros.
func (b *builder) digits(s string, width int) {
	if b.err != nil {
		return
	}
	if len(s) > width {
		b.err = fmt.Errorf("%w: %q in %d", ErrFieldWidth, s, width)
		return
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			b.err = fmt.Errorf("settlement: non-digit %q in numeric field", s)
			return
		}
	}
	b.buf.WriteString(strings.Repeat("0", width-len(s)))
	b.buf.WriteString(s)
}

func (b *builder) amount(d decimal.Decimal, width int) {
	if b.err != nil {
		return
	}
	cents := d.Shift(2)
	if !cents.IsInteger() || cents.IsNegative() {
		b.err = fmt.Errorf("settlement: amount %s not representable", d)
		return
	}
	b.digits(cents.String(), width)
}

func (b *builder) countField(n, width int) {
	if b.err != nil {
		return
	}
	if n < 0 {
		b.err = fmt.Errorf("settlement: negative count %d", n)
		return
	}
	b.digits(strconv.Itoa(n), width)
}

// big5 writes a text field encoded to Big5 and space-padded to its
// byte width.
func (b *builder) big5(s string, width int) {
	if b.err != nil {
		return
	}
	enc, err := traditionalchinese.Big5.NewEncoder().Bytes([]byte(s))
	if err != nil {
		b.err = fmt.Errorf("settlement: big5 encode %q: %w", s, err)
		return
	}
	if len(enc) > width {
		b.err = fmt.Errorf("%w: %q is %d big5 bytes in %d", ErrFieldWidth, s, len(enc), width)
		return
	}
	b.buf.Write(enc)
	b.buf.WriteString(strings.Repeat(" ", width-len(enc)))
}

func (b *builder) raw(s string) {
	if b.err == nil {
		b.buf.WriteString(s)
	}
}

// finish space-fills to the record width.
func (b *builder) finish() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.buf.Len() > recordWidth {
		return nil, fmt.Errorf("%w: record is %d bytes", ErrFieldWidth, b.buf.Len())
	}
	for b.buf.Len() < recordWidth {
		b.buf.WriteByte(' ')
	}
	return b.buf.Bytes(), nil
}

func decodeBig5(b []byte) (string, error) {
	dec, err := traditionalchinese.Big5.NewDecoder().Bytes(b)
	if err != nil {
		return "", fmt.Errorf("settlement: big5 decode: %w", err)
	}
	return strings.TrimRight(string(dec), " "), nil
}
