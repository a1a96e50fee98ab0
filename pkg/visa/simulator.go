package visa

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"
)

// CommandHook lets tests intercept a command before the simulator handles
// it. Returning handled=false falls through to the built-in behaviour. A
// non-nil resp is queued as the response; a non-nil err is returned from
// Write.
type CommandHook func(cmd string) (resp []byte, handled bool, err error)

// SimConfig describes the simulated instrument.
type SimConfig struct {
	Identity string
	// Stale is queued before the first command, as if a previous run left
	// unread responses behind.
	Stale [][]byte
	// DirtyIdentities makes the first N identity replies garbage.
	DirtyIdentities int
	// AcquirePolls is how many state queries report busy after a start.
	AcquirePolls int
	// SaveFiles is how many waveform files save-on-event produces.
	SaveFiles int
	// Files seeds the instrument file system: directory -> name -> content.
	Files map[string]map[string][]byte
}

// DefaultSimConfig returns a Tektronix-flavoured instrument that produces two
// spreadsheet files per acquisition.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		Identity:     "TEKTRONIX,MSO44,C047065,CF:91.1CT FV:1.44.3.433",
		AcquirePolls: 3,
		SaveFiles:    2,
	}
}

// SimInstrument is an in-memory Transport emulating the subset of an
// oscilloscope's command set that the acquisition workflow uses.
type SimInstrument struct {
	Config  SimConfig
	OnWrite CommandHook

	output    [][]byte
	commands  []string
	clears    int
	timeouts  []time.Duration
	chunkSize int
	closed    int

	idnCount   int
	acquiring  bool
	remaining  int
	cwd        string
	saveDir    string
	saveName   string
	saveOnTrig bool
	files      map[string]map[string][]byte
}

// NewSimInstrument constructs a simulator from cfg.
func NewSimInstrument(cfg SimConfig) *SimInstrument {
	s := &SimInstrument{
		Config:   cfg,
		cwd:      normalizeDir("C:/"),
		saveName: "run",
		files:    make(map[string]map[string][]byte),
	}
	for _, stale := range cfg.Stale {
		s.output = append(s.output, append([]byte(nil), stale...))
	}
	for dir, entries := range cfg.Files {
		for name, content := range entries {
			s.putFile(dir, name, content)
		}
	}
	return s
}

// Commands returns every command written so far.
func (s *SimInstrument) Commands() []string {
	return append([]string(nil), s.commands...)
}

// Clears reports how many device clears were requested.
func (s *SimInstrument) Clears() int { return s.clears }

// Timeouts returns the history of SetTimeout calls.
func (s *SimInstrument) Timeouts() []time.Duration {
	return append([]time.Duration(nil), s.timeouts...)
}

// ChunkSize returns the last chunk size set.
func (s *SimInstrument) ChunkSize() int { return s.chunkSize }

// CloseCount reports how many times Close was called.
func (s *SimInstrument) CloseCount() int { return s.closed }

// Pending reports how many responses are waiting to be read.
func (s *SimInstrument) Pending() int { return len(s.output) }

// Files lists the names stored in dir, sorted.
func (s *SimInstrument) Files(dir string) []string {
	var names []string
	for name := range s.files[normalizeDir(dir)] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Queue appends a raw response to the output buffer.
func (s *SimInstrument) Queue(resp []byte) {
	s.output = append(s.output, append([]byte(nil), resp...))
}

func (s *SimInstrument) Write(data []byte) error {
	if s.closed > 0 {
		return &TransportError{Op: "write", Kind: KindDisconnected, Err: ErrClosed}
	}
	cmd := strings.TrimSpace(string(data))
	s.commands = append(s.commands, cmd)

	if s.OnWrite != nil {
		resp, handled, err := s.OnWrite(cmd)
		if err != nil {
			return err
		}
		if handled {
			if resp != nil {
				s.Queue(resp)
			}
			return nil
		}
	}

	s.handle(cmd)
	return nil
}

func (s *SimInstrument) ReadMessage() ([]byte, error) {
	if s.closed > 0 {
		return nil, &TransportError{Op: "read", Kind: KindDisconnected, Err: ErrClosed}
	}
	if len(s.output) == 0 {
		return nil, timeoutError("read", errors.New("no data pending"))
	}
	msg := s.output[0]
	s.output = s.output[1:]
	return msg, nil
}

// Clear counts the request. Like many real instruments the simulator keeps
// queued output across a clear, so callers still have to drain it.
func (s *SimInstrument) Clear() error {
	if s.closed > 0 {
		return &TransportError{Op: "clear", Kind: KindDisconnected, Err: ErrClosed}
	}
	s.clears++
	return nil
}

func (s *SimInstrument) SetTimeout(timeout time.Duration) {
	s.timeouts = append(s.timeouts, timeout)
}

func (s *SimInstrument) SetChunkSize(n int) { s.chunkSize = n }

func (s *SimInstrument) Close() error {
	s.closed++
	return nil
}

func (s *SimInstrument) handle(cmd string) {
	header, arg := splitCommand(cmd)

	switch header {
	case "*IDN?":
		s.idnCount++
		if s.idnCount <= s.Config.DirtyIdentities {
			s.Queue([]byte(fmt.Sprintf("%d\n", s.idnCount)))
			return
		}
		s.Queue([]byte(s.Config.Identity + "\n"))
	case "*OPC?":
		s.Queue([]byte("1\n"))
	case "*RST":
		s.acquiring = false
		s.saveOnTrig = false
	case "ACQUIRE:STATE", "ACQ:STATE":
		switch strings.ToUpper(arg) {
		case "ON", "1", "RUN":
			s.acquiring = true
			s.remaining = s.Config.AcquirePolls
		default:
			s.acquiring = false
		}
	case "ACQUIRE:STATE?", "ACQ:STATE?":
		if s.acquiring && s.remaining > 0 {
			s.remaining--
			s.Queue([]byte("1\n"))
			return
		}
		if s.acquiring {
			s.acquiring = false
			s.completeAcquisition()
		}
		s.Queue([]byte("0\n"))
	case "FILESYSTEM:CWD", "FILES:CWD":
		s.cwd = normalizeDir(unquote(arg))
	case "FILESYSTEM:MKDIR", "FILES:MKD":
		dir := normalizeDir(unquote(arg))
		if s.files[dir] == nil {
			s.files[dir] = make(map[string][]byte)
		}
	case "FILESYSTEM:DELETE", "FILES:DELE":
		target := unquote(arg)
		dir, name := path.Split(target)
		if name == "*" {
			delete(s.files, normalizeDir(dir))
		} else if entries := s.files[normalizeDir(dir)]; entries != nil {
			delete(entries, name)
		}
	case "FILESYSTEM:DIR?", "FILES:DIR?":
		names := s.Files(s.cwd)
		quoted := make([]string, len(names))
		for i, name := range names {
			quoted[i] = `"` + name + `"`
		}
		if len(quoted) == 0 {
			s.Queue([]byte("\"\"\n"))
			return
		}
		s.Queue([]byte(strings.Join(quoted, ",") + "\n"))
	case "FILESYSTEM:READFILE", "FILES:READF":
		name := unquote(arg)
		dir := s.cwd
		if strings.Contains(name, "/") {
			d, n := path.Split(name)
			dir, name = normalizeDir(d), n
		}
		if content, ok := s.files[dir][name]; ok {
			s.Queue(content)
		}
	case "SAVEONEVENT:FILEDEST", "SAVEON:FILED":
		s.saveDir = normalizeDir(unquote(arg))
	case "SAVEONEVENT:FILENAME", "SAVEON:FILEN":
		s.saveName = unquote(arg)
	case "ACTONEVENT:ENABLE", "ACTONEV:ENA":
		s.saveOnTrig = arg == "1" || strings.EqualFold(arg, "ON")
	}
}

// completeAcquisition emulates the save-on-trigger action.
func (s *SimInstrument) completeAcquisition() {
	if !s.saveOnTrig || s.saveDir == "" {
		return
	}
	for i := 0; i < s.Config.SaveFiles; i++ {
		name := fmt.Sprintf("%s_%03d.csv", s.saveName, i+1)
		content := fmt.Sprintf("TIME,CH1,CH2\n0.0,%d.0,-%d.0\n", i, i)
		s.putFile(s.saveDir, name, []byte(content))
	}
}

func (s *SimInstrument) putFile(dir, name string, content []byte) {
	dir = normalizeDir(dir)
	if s.files[dir] == nil {
		s.files[dir] = make(map[string][]byte)
	}
	s.files[dir][name] = append([]byte(nil), content...)
}

func splitCommand(cmd string) (header, arg string) {
	header, arg, _ = strings.Cut(cmd, " ")
	return strings.ToUpper(header), strings.TrimSpace(arg)
}

func unquote(s string) string {
	return strings.Trim(strings.TrimSpace(s), `"`)
}

func normalizeDir(dir string) string {
	dir = strings.ReplaceAll(dir, `\`, "/")
	if len(dir) > 1 {
		dir = strings.TrimSuffix(dir, "/")
	}
	return strings.ToUpper(dir[:min(len(dir), 2)]) + dir[min(len(dir), 2):]
}
