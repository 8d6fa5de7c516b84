// Package handler coordinates probe discovery, the debug session and RTT
// for the command line and the monitor. A Handler is owned by one goroutine;
// use a Worker to share it.
package handler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/dap"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/elfsym"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/flashing"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/rtt"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/session"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/target"
)

// RetryInterval is the pause between control block attach attempts.
const RetryInterval = 50 * time.Millisecond

// Handler holds the probe list, at most one session and at most one RTT
// control block.
type Handler struct {
	lister  ProbeLister
	opener  ProbeOpener
	log     *zap.Logger
	speedHz int

	probes      []dap.ProbeInfo
	chips       []string
	chipsLoaded bool

	sess   *session.Session
	region *rtt.ScanRegion
	cb     *rtt.ControlBlock
	diag   string
}

// Option configures a Handler.
type Option func(*Handler)

// WithLister replaces the USB probe lister.
func WithLister(l ProbeLister) Option {
	return func(h *Handler) { h.lister = l }
}

// WithOpener replaces the probe opener.
func WithOpener(o ProbeOpener) Option {
	return func(h *Handler) { h.opener = o }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(h *Handler) { h.log = log }
}

// WithSpeed sets the SWD clock used for new sessions.
func WithSpeed(hz int) Option {
	return func(h *Handler) { h.speedHz = hz }
}

// New returns a handler with no session and no probes; call RefreshProbes
// to list them.
func New(opts ...Option) *Handler {
	h := &Handler{
		lister: USBLister{},
		opener: DefaultOpener{},
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RefreshProbes lists the connected probes again. A failing lister leaves an
// empty list.
func (h *Handler) RefreshProbes(ctx context.Context) []dap.ProbeInfo {
	probes, err := h.lister.ListProbes(ctx)
	if err != nil {
		h.log.Warn("probe discovery failed", zap.Error(err))
		probes = nil
	}
	h.probes = probes
	h.log.Debug("probes refreshed", zap.Int("count", len(probes)))
	return h.Probes()
}

// Probes returns the list from the last refresh.
func (h *Handler) Probes() []dap.ProbeInfo {
	return append([]dap.ProbeInfo(nil), h.probes...)
}

// ChipVariants returns every chip name in the database. The list is built
// on first use and never changes afterwards.
func (h *Handler) ChipVariants() []string {
	return append([]string(nil), h.chipNames()...)
}

func (h *Handler) chipNames() []string {
	if !h.chipsLoaded {
		chips, err := target.Names()
		if err != nil {
			h.log.Error("chip database unavailable", zap.Error(err))
		}
		h.chips = chips
		h.chipsLoaded = true
	}
	return h.chips
}

// FilterChips returns the chip names containing query, ignoring case. An
// empty query matches everything.
func (h *Handler) FilterChips(query string) []string {
	q := strings.ToLower(query)
	var out []string
	for _, name := range h.chipNames() {
		if strings.Contains(strings.ToLower(name), q) {
			out = append(out, name)
		}
	}
	return out
}

// Attach opens probe index and attaches to chip without disturbing the
// running firmware. It does nothing when a session already exists.
func (h *Handler) Attach(index int, chip string) error {
	return h.attach("attach", index, chip, false)
}

// AttachUnderReset is Attach with the cores held in reset until they are
// halted at their reset vector.
func (h *Handler) AttachUnderReset(index int, chip string) error {
	return h.attach("attach under reset", index, chip, true)
}

func (h *Handler) attach(op string, index int, chip string, underReset bool) error {
	if h.sess != nil {
		h.log.Debug("already attached", zap.String("chip", h.ChipName()))
		h.diag = ""
		return nil
	}
	if index < 0 || index >= len(h.probes) {
		return h.fail(errorf(KindInvalidIndex, op, "probe %d of %d", index, len(h.probes)))
	}
	v, err := target.Lookup(chip)
	if err != nil {
		return h.fail(newError(KindAttachFailed, op, err))
	}

	info := h.probes[index]
	link, err := h.opener.OpenProbe(info)
	if err != nil {
		return h.fail(newError(KindOpenFailed, op, fmt.Errorf("%s: %w", info.Label(), err)))
	}

	s, err := session.Attach(link, v, session.Options{
		UnderReset: underReset,
		SpeedHz:    h.speedHz,
		Logger:     h.log.Named("session"),
	})
	if err != nil {
		if cerr := link.Close(); cerr != nil {
			h.log.Debug("close after failed attach", zap.Error(cerr))
		}
		return h.fail(newError(KindAttachFailed, op, err))
	}

	h.sess = s
	h.cb = nil
	h.diag = ""
	h.log.Info("attached", zap.String("probe", info.Label()), zap.String("chip", v.Name))
	return nil
}

// Attached reports whether a session exists.
func (h *Handler) Attached() bool {
	return h.sess != nil
}

// ChipName returns the attached chip, or "".
func (h *Handler) ChipName() string {
	if h.sess == nil {
		return ""
	}
	return h.sess.Variant().Name
}

// CoreCount returns the number of cores of the attached chip, or 0.
func (h *Handler) CoreCount() int {
	if h.sess == nil {
		return 0
	}
	return h.sess.CoreCount()
}

// Cores describes the cores of the attached chip.
func (h *Handler) Cores() []session.CoreInfo {
	if h.sess == nil {
		return nil
	}
	return h.sess.Cores()
}

// DownloadFile writes the image at path to the chip. The cores are left
// halted.
func (h *Handler) DownloadFile(path string, format flashing.Format) error {
	const op = "download"
	if h.sess == nil {
		return h.fail(errorf(KindNotAttached, op, "no session"))
	}
	start := time.Now()
	if err := h.sess.Download(path, format); err != nil {
		return h.fail(newError(KindDownloadFailed, op, err))
	}
	h.log.Info("downloaded", zap.String("file", path), zap.Stringer("format", format),
		zap.Duration("elapsed", time.Since(start)))
	h.diag = ""
	return nil
}

// ResetAllCores resets every core in index order and stops at the first
// failure.
func (h *Handler) ResetAllCores() error {
	const op = "reset"
	if h.sess == nil {
		return h.fail(errorf(KindNotAttached, op, "no session"))
	}
	for i := 0; i < h.sess.CoreCount(); i++ {
		if err := h.sess.ResetCore(i); err != nil {
			return h.fail(errorf(KindResetFailed, op, "core %d: %v", i, err))
		}
		h.log.Debug("core reset", zap.Int("core", i))
	}
	h.diag = ""
	return nil
}

// Release drops the control block and closes the session. The handler is
// detached afterwards even when closing the probe fails; that error is
// returned.
func (h *Handler) Release() error {
	h.cb = nil
	if h.sess == nil {
		return nil
	}
	err := h.sess.Close()
	h.sess = nil
	if err != nil {
		h.log.Warn("closing session", zap.Error(err))
		return h.fail(newError(KindIOFailed, "release", err))
	}
	h.log.Info("released")
	return nil
}

// ResetAndRelease resets all cores and then releases the session, even when
// the reset fails. The reset error takes precedence over the close error.
func (h *Handler) ResetAndRelease() error {
	var err error
	if h.sess != nil {
		err = h.ResetAllCores()
	}
	if rerr := h.Release(); err == nil {
		err = rerr
	}
	return err
}

// DeriveScanRegion decides where to look for the control block and stores
// the result. An explicit address wins; otherwise the RTT symbol of the ELF
// file at elfPath is used, falling back to a RAM scan. Only a file that
// cannot be read is an error, and then nothing is stored.
func (h *Handler) DeriveScanRegion(elfPath string, override *uint64) (rtt.ScanRegion, error) {
	region, err := h.deriveScanRegion(elfPath, override)
	if err != nil {
		return region, h.fail(err)
	}
	h.SetScanRegion(region)
	h.diag = ""
	return region, nil
}

func (h *Handler) deriveScanRegion(elfPath string, override *uint64) (rtt.ScanRegion, *Error) {
	const op = "derive scan region"
	if override != nil {
		return rtt.Exact(*override), nil
	}
	if elfPath == "" {
		return rtt.RAM(), nil
	}

	f, err := os.Open(elfPath)
	if err != nil {
		return rtt.RAM(), newError(KindIOFailed, op, err)
	}
	defer f.Close()

	addr, err := elfsym.Lookup(f, elfsym.RTTSymbol)
	switch {
	case err == nil:
		h.log.Debug("RTT symbol found", zap.String("file", elfPath), zap.String("address", fmt.Sprintf("0x%08X", addr)))
		return rtt.Exact(addr), nil
	case errors.Is(err, elfsym.ErrNotFound):
		h.log.Debug("no RTT symbol, scanning RAM", zap.String("file", elfPath))
	default:
		perr := newError(KindParseFailed, op, err)
		h.log.Warn("ELF not usable, scanning RAM", zap.String("file", elfPath), zap.Error(perr))
	}
	return rtt.RAM(), nil
}

// SetScanRegion stores the region used by AttachRTTRegion and the retry
// loop, replacing any derived one. It survives Release.
func (h *Handler) SetScanRegion(r rtt.ScanRegion) {
	h.region = &r
}

// ScanRegion returns the stored region.
func (h *Handler) ScanRegion() (rtt.ScanRegion, bool) {
	if h.region == nil {
		return rtt.ScanRegion{}, false
	}
	return *h.region, true
}

// AttachRTT scans the chip's RAM through core for a control block.
func (h *Handler) AttachRTT(core int) error {
	return h.attachRTT("attach RTT", core, rtt.RAM())
}

// AttachRTTRegion looks for the control block in the stored region.
func (h *Handler) AttachRTTRegion(core int) error {
	const op = "attach RTT region"
	if h.region == nil {
		return h.fail(errorf(KindRTTOtherFailure, op, "no scan region derived"))
	}
	return h.attachRTT(op, core, *h.region)
}

func (h *Handler) storedRegion() rtt.ScanRegion {
	if h.region == nil {
		return rtt.RAM()
	}
	return *h.region
}

func (h *Handler) attachRTT(op string, core int, region rtt.ScanRegion) error {
	if err := h.tryAttachRTT(op, core, region); err != nil {
		return h.fail(err)
	}
	h.diag = ""
	return nil
}

// tryAttachRTT replaces the control block on success and clears it on any
// failure. It does not touch the diagnostic.
func (h *Handler) tryAttachRTT(op string, coreIdx int, region rtt.ScanRegion) *Error {
	if h.sess == nil {
		return errorf(KindNotAttached, op, "no session")
	}
	core, err := h.sess.Core(coreIdx)
	if err != nil {
		return newError(KindInvalidIndex, op, err)
	}

	cb, err := rtt.Attach(core, region, h.sess.RAMRanges())
	if err != nil {
		h.cb = nil
		if errors.Is(err, rtt.ErrControlBlockNotFound) {
			return newError(KindRTTControlBlockNotFound, op, err)
		}
		return newError(KindRTTOtherFailure, op, err)
	}

	h.cb = cb
	h.log.Info("RTT attached", zap.Int("core", coreIdx), zap.Stringer("region", region),
		zap.String("address", fmt.Sprintf("0x%08X", cb.Address())),
		zap.Int("up", len(cb.UpChannels())), zap.Int("down", len(cb.DownChannels())))
	return nil
}

// AttachRTTWithRetry looks for the control block in the stored region at
// least once and keeps looking until timeout, pausing RetryInterval between
// attempts. Firmware that sets the block up late after boot is found this
// way. When the time is up one last RAM scan is made. Not finding a block, or any
// RTT error, is not an error here: the call returns nil with no control
// block. Only a missing session or a bad core index fail.
func (h *Handler) AttachRTTWithRetry(core int, timeout time.Duration) error {
	const op = "attach RTT with retry"
	if h.sess == nil {
		return h.fail(errorf(KindNotAttached, op, "no session"))
	}
	if core < 0 || core >= h.sess.CoreCount() {
		return h.fail(errorf(KindInvalidIndex, op, "core %d of %d", core, h.sess.CoreCount()))
	}

	region := h.storedRegion()
	start := time.Now()
	attempts := 0
	for {
		attempts++
		err := h.tryAttachRTT(op, core, region)
		if err == nil {
			h.diag = ""
			return nil
		}
		if err.Kind != KindRTTControlBlockNotFound {
			h.log.Warn("RTT attach failed", zap.Stringer("region", region), zap.Error(err))
			h.diag = ""
			return nil
		}
		remaining := timeout - time.Since(start)
		if remaining <= 0 {
			break
		}
		time.Sleep(min(RetryInterval, remaining))
	}

	h.log.Debug("RTT retry timed out, scanning RAM", zap.Int("attempts", attempts), zap.Duration("timeout", timeout))
	if err := h.tryAttachRTT(op, core, rtt.RAM()); err != nil {
		h.log.Info("no RTT control block", zap.Error(err))
	}
	h.diag = ""
	return nil
}

// RTTAttached reports whether a control block is attached.
func (h *Handler) RTTAttached() bool {
	return h.cb != nil
}

// RTTAddress returns the address of the attached control block.
func (h *Handler) RTTAddress() (uint64, bool) {
	if h.cb == nil {
		return 0, false
	}
	return h.cb.Address(), true
}

// UpChannelCount returns the number of up-channels, or 0 without a control
// block.
func (h *Handler) UpChannelCount() int {
	if h.cb == nil {
		return 0
	}
	return len(h.cb.UpChannels())
}

// UpChannels describes the up-channels in index order.
func (h *Handler) UpChannels() []rtt.ChannelInfo {
	if h.cb == nil {
		return nil
	}
	return h.cb.UpChannelInfo()
}

// ReadChannel drains up to len(buf) bytes from up-channel ch through core.
// It does not block; 0 means nothing was pending.
func (h *Handler) ReadChannel(coreIdx, ch int, buf []byte) (int, error) {
	const op = "read channel"
	if h.sess == nil {
		return 0, h.fail(errorf(KindNotAttached, op, "no session"))
	}
	if h.cb == nil {
		return 0, h.fail(errorf(KindNotAttached, op, "no RTT control block"))
	}
	core, err := h.sess.Core(coreIdx)
	if err != nil {
		return 0, h.fail(newError(KindInvalidIndex, op, err))
	}
	up := h.cb.UpChannels()
	if ch < 0 || ch >= len(up) {
		return 0, h.fail(errorf(KindInvalidIndex, op, "up-channel %d of %d", ch, len(up)))
	}

	n, err := up[ch].Read(core, buf)
	if err != nil {
		return 0, h.fail(newError(KindReadFailed, op, err))
	}
	h.diag = ""
	return n, nil
}

// Diagnostic returns the message of the most recent failure, or "" once a
// later operation has succeeded.
func (h *Handler) Diagnostic() string {
	return h.diag
}

// Close releases the session.
func (h *Handler) Close() error {
	return h.Release()
}

func (h *Handler) fail(err *Error) error {
	h.diag = err.Error()
	h.log.Debug("operation failed", zap.String("op", err.Op), zap.Stringer("kind", err.Kind), zap.String("msg", err.Msg))
	return err
}
