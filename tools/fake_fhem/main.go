// Command fake_fhem simulates a FHEMWEB controller for local runs of the
// bridge: a longpoll status stream with random reading changes, the command
// endpoint with CSRF checks, jsonlist2 and the global userattr list.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type fakeDevice struct {
	Name     string
	Type     string
	Room     string
	Readings map[string]string
	Changed  map[string]time.Time
}

type fakeController struct {
	csrf     string
	interval time.Duration
	logger   *zap.Logger

	mu          sync.Mutex
	devices     map[string]*fakeDevice
	userattr    string
	subscribers map[chan string]struct{}
	rng         *rand.Rand
}

func main() {
	logger, _ := zap.NewDevelopment()
	defer func() { _ = logger.Sync() }()

	addr := getenvDefault("FAKE_FHEM_ADDR", ":8083")
	webname := "/" + strings.Trim(getenvDefault("FAKE_FHEM_WEBNAME", "fhem"), "/")
	interval := getenvDuration("FAKE_FHEM_INTERVAL", 2*time.Second)
	room := getenvDefault("FAKE_FHEM_ROOM", "GoogleAssistant")

	ctrl := newFakeController(uuid.NewString(), interval, logger)
	ctrl.seed(room)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go ctrl.simulate(ctx)

	mux := http.NewServeMux()
	mux.Handle(webname, ctrl)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		_ = server.Close()
	}()

	logger.Info("fake fhem listening", zap.String("addr", addr), zap.String("webname", webname))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("listen", zap.Error(err))
	}
}

func newFakeController(csrf string, interval time.Duration, logger *zap.Logger) *fakeController {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &fakeController{
		csrf:        csrf,
		interval:    interval,
		logger:      logger,
		devices:     make(map[string]*fakeDevice),
		subscribers: make(map[chan string]struct{}),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *fakeController) seed(room string) {
	c.addDevice("Lamp1", "dummy", room+",Kitchen", map[string]string{"state": "off", "brightness": "0"})
	c.addDevice("Thermo1", "dummy", room, map[string]string{"temperature": "20.5", "humidity": "45"})
	c.addDevice("Blind1", "dummy", room, map[string]string{"state": "open", "pct": "100"})
	c.addDevice("Hidden1", "dummy", "Basement", map[string]string{"state": "off"})
}

func (c *fakeController) addDevice(name, typ, room string, readings map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	changed := make(map[string]time.Time, len(readings))
	for reading := range readings {
		changed[reading] = time.Now()
	}
	c.devices[name] = &fakeDevice{Name: name, Type: typ, Room: room, Readings: readings, Changed: changed}
}

// ServeHTTP dispatches command requests and longpoll requests.
func (c *fakeController) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	switch {
	case query.Has("cmd"):
		c.handleCommand(w, query.Get("cmd"), query.Get("fwcsrf"))
	case query.Get("inform") != "":
		c.handleLongpoll(w, r)
	default:
		w.Header().Set(csrfHeader, c.csrf)
		_, _ = w.Write([]byte("<html><body>fake fhem</body></html>"))
	}
}

const csrfHeader = "X-FHEM-csrfToken"

func (c *fakeController) handleLongpoll(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	events := make(chan string, 64)
	c.mu.Lock()
	c.subscribers[events] = struct{}{}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.subscribers, events)
		c.mu.Unlock()
	}()

	w.Header().Set(csrfHeader, c.csrf)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	c.logger.Info("longpoll client connected", zap.String("since", sinceParam(r.URL.Query().Get("inform"))))

	for {
		select {
		case <-r.Context().Done():
			c.logger.Info("longpoll client gone")
			return
		case line := <-events:
			if _, err := fmt.Fprintln(w, line); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func sinceParam(inform string) string {
	for _, part := range strings.Split(inform, ";") {
		if value, ok := strings.CutPrefix(part, "since="); ok {
			return value
		}
	}
	return ""
}

var (
	addAttrPattern = regexp.MustCompile(`^\{\s*addToAttrList\(\s*"([^"]+)"\s*\)\s*\}$`)
	delAttrPattern = regexp.MustCompile(`^\{\s*delFromAttrList\(\s*"([^"]+)"\s*\)\s*\}$`)
)

func (c *fakeController) handleCommand(w http.ResponseWriter, cmd, token string) {
	if token != c.csrf {
		http.Error(w, "invalid csrf token", http.StatusBadRequest)
		return
	}
	cmd = strings.TrimSpace(cmd)
	c.logger.Info("command", zap.String("cmd", cmd))

	switch {
	case cmd == `{AttrVal("global","userattr","")}`:
		c.mu.Lock()
		out := c.userattr
		c.mu.Unlock()
		_, _ = w.Write([]byte(out + "\n"))
	case addAttrPattern.MatchString(cmd):
		c.addUserAttr(addAttrPattern.FindStringSubmatch(cmd)[1])
	case delAttrPattern.MatchString(cmd):
		c.delUserAttr(delAttrPattern.FindStringSubmatch(cmd)[1])
	case cmd == "jsonlist2" || strings.HasPrefix(cmd, "jsonlist2 "):
		body, err := c.jsonlist(strings.TrimSpace(strings.TrimPrefix(cmd, "jsonlist2")))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	case strings.HasPrefix(cmd, "set "):
		fields := strings.Fields(cmd)
		if len(fields) < 3 {
			_, _ = w.Write([]byte("Usage: set <name> <value>\n"))
			return
		}
		if !c.setReading(fields[1], "state", strings.Join(fields[2:], " ")) {
			_, _ = fmt.Fprintf(w, "Please define %s first\n", fields[1])
		}
	case strings.HasPrefix(cmd, "attr "):
		fields := strings.Fields(cmd)
		if len(fields) == 4 && fields[2] == "room" {
			c.setRoom(fields[1], fields[3])
		}
	default:
		_, _ = fmt.Fprintf(w, "Unknown command %s\n", cmd)
	}
}

func (c *fakeController) addUserAttr(decl string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.userattr == "" {
		c.userattr = decl
		return
	}
	c.userattr += " " + decl
}

func (c *fakeController) delUserAttr(decl string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := make([]string, 0)
	for _, entry := range strings.Fields(c.userattr) {
		if entry != decl {
			kept = append(kept, entry)
		}
	}
	c.userattr = strings.Join(kept, " ")
}

type jsonReading struct {
	Value string `json:"Value"`
	Time  string `json:"Time"`
}

type jsonDevice struct {
	Name       string                 `json:"Name"`
	Internals  map[string]string      `json:"Internals"`
	Readings   map[string]jsonReading `json:"Readings"`
	Attributes map[string]string      `json:"Attributes"`
}

type jsonList struct {
	Arg                  string       `json:"Arg"`
	Results              []jsonDevice `json:"Results"`
	TotalResultsReturned int          `json:"totalResultsReturned"`
}

func (c *fakeController) jsonlist(spec string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.devices))
	for name := range c.devices {
		names = append(names, name)
	}
	sort.Strings(names)

	list := jsonList{Arg: spec, Results: []jsonDevice{}}
	for _, name := range names {
		dev := c.devices[name]
		if !matchesSpec(dev, spec) {
			continue
		}
		readings := make(map[string]jsonReading, len(dev.Readings))
		for reading, value := range dev.Readings {
			readings[reading] = jsonReading{Value: value, Time: dev.Changed[reading].Format("2006-01-02 15:04:05")}
		}
		list.Results = append(list.Results, jsonDevice{
			Name:       dev.Name,
			Internals:  map[string]string{"NAME": dev.Name, "TYPE": dev.Type},
			Readings:   readings,
			Attributes: map[string]string{"room": dev.Room},
		})
	}
	list.TotalResultsReturned = len(list.Results)
	return json.Marshal(list)
}

func matchesSpec(dev *fakeDevice, spec string) bool {
	key, value, ok := strings.Cut(spec, "=")
	switch {
	case spec == "":
		return true
	case ok && key == "room":
		for _, room := range strings.Split(dev.Room, ",") {
			if room == value {
				return true
			}
		}
		return false
	case ok && key == "NAME":
		return dev.Name == value
	default:
		return dev.Name == spec
	}
}

func (c *fakeController) setReading(device, reading, value string) bool {
	c.mu.Lock()
	dev, ok := c.devices[device]
	if ok {
		dev.Readings[reading] = value
		dev.Changed[reading] = time.Now()
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	c.broadcast(device+"-"+reading, value)
	c.broadcast(device+"-"+reading+"-ts", time.Now().Format("2006-01-02 15:04:05"))
	return true
}

func (c *fakeController) setRoom(device, rooms string) {
	c.mu.Lock()
	dev, ok := c.devices[device]
	if ok {
		dev.Room = rooms
	}
	c.mu.Unlock()
	if ok {
		c.broadcast(device+"-a-room", rooms)
	}
}

func (c *fakeController) broadcast(key, value string) {
	line, _ := json.Marshal([]string{key, value, value})
	c.mu.Lock()
	defer c.mu.Unlock()
	for sub := range c.subscribers {
		select {
		case sub <- string(line):
		default:
			c.logger.Warn("subscriber slow, dropping event", zap.String("key", key))
		}
	}
}

// simulate changes a random numeric reading every interval.
func (c *fakeController) simulate(ctx context.Context) {
	if c.interval <= 0 {
		return
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

func (c *fakeController) tick() {
	c.mu.Lock()
	type candidate struct{ device, reading string }
	var candidates []candidate
	for name, dev := range c.devices {
		for reading, value := range dev.Readings {
			if _, err := strconv.ParseFloat(value, 64); err == nil {
				candidates = append(candidates, candidate{name, reading})
			}
		}
	}
	if len(candidates) == 0 {
		c.mu.Unlock()
		return
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].device+candidates[i].reading < candidates[j].device+candidates[j].reading
	})
	pick := candidates[c.rng.Intn(len(candidates))]
	current, _ := strconv.ParseFloat(c.devices[pick.device].Readings[pick.reading], 64)
	next := current + (c.rng.Float64()-0.5)*2
	c.mu.Unlock()

	c.setReading(pick.device, pick.reading, strconv.FormatFloat(next, 'f', 1, 64))
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
