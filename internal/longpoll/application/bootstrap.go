package application

import (
	"context"
	"errors"
	"os"
	"regexp"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
)

const (
	userAttrQuery = `{AttrVal("global","userattr","")}`

	deviceTypeAttr   = "genericDeviceType"
	deviceTypeValues = "security,ignore,switch,outlet,light,blind,thermometer,thermostat,contact,garage,window,lock,aircondition,airpurifier,camera,coffeemaker,dishwasher,dryer,fan,kettle,oven,refrigerator,scene,sprinkler,vacuum,washer"

	// RestartRequiredMessage is the operator instruction after a stale
	// device type declaration was replaced.
	RestartRequiredMessage = "genericDeviceType attribute was not known. please restart."
)

var (
	textAttributes = []textAttribute{
		newTextAttribute("homebridgeMapping:textField-long"),
		newTextAttribute("realRoom:textField"),
		newTextAttribute("ghomeName:textField"),
		newTextAttribute("assistantName:textField"),
	}

	deviceTypeDeclared = regexp.MustCompile(`(^| )` + deviceTypeAttr + `:` + regexp.QuoteMeta(deviceTypeValues) + `\b`)
	deviceTypeAny      = regexp.MustCompile(`(^| )` + deviceTypeAttr + `(\S*)`)
)

// CommandSyncRunner runs a command and waits for its result.
type CommandSyncRunner interface {
	ExecuteSync(ctx context.Context, cmd string) (string, bool)
}

// DeviceTypeBootstrapper declares the user attributes the bridge relies on.
type DeviceTypeBootstrapper struct {
	exec    CommandSyncRunner
	restart func(msg string)
	logger  *zap.Logger

	running atomic.Bool
}

// NewDeviceTypeBootstrapper constructs a bootstrapper. restart is called after
// a stale device type declaration was replaced; nil exits with status 0 so a
// supervisor starts the bridge again without counting a crash.
func NewDeviceTypeBootstrapper(exec CommandSyncRunner, restart func(msg string), logger *zap.Logger) (*DeviceTypeBootstrapper, error) {
	if exec == nil {
		return nil, errors.New("bootstrap: nil executor")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if restart == nil {
		restart = func(string) {
			_ = logger.Sync()
			os.Exit(0)
		}
	}
	return &DeviceTypeBootstrapper{exec: exec, restart: restart, logger: logger}, nil
}

// EnsureAttributes checks the global userattr list and declares what is
// missing. A call made while another one is still running returns at once.
func (b *DeviceTypeBootstrapper) EnsureAttributes(ctx context.Context) {
	if !b.running.CompareAndSwap(false, true) {
		b.logger.Debug("attribute check already running")
		return
	}
	defer b.running.Store(false)

	b.logger.Info("checking devices and attributes")
	current, ok := b.exec.ExecuteSync(ctx, userAttrQuery)
	if !ok {
		return
	}

	for _, attr := range textAttributes {
		if attr.declared.MatchString(current) {
			continue
		}
		b.exec.ExecuteSync(ctx, addToAttrList(attr.decl))
		b.logger.Info("attribute created", zap.String("attribute", attr.name))
	}

	if deviceTypeDeclared.MatchString(current) {
		return
	}
	stale := deviceTypeAny.FindStringSubmatch(current)
	if stale != nil {
		b.exec.ExecuteSync(ctx, `{ delFromAttrList( "`+deviceTypeAttr+stale[2]+`") }`)
	}
	if _, ok := b.exec.ExecuteSync(ctx, addToAttrList(deviceTypeAttr+":"+deviceTypeValues)); !ok {
		return
	}
	if stale == nil {
		b.logger.Info("attribute created", zap.String("attribute", deviceTypeAttr))
		return
	}
	b.logger.Warn(RestartRequiredMessage)
	b.restart(RestartRequiredMessage)
}

func addToAttrList(decl string) string {
	return `{ addToAttrList( "` + decl + `" ) }`
}

type textAttribute struct {
	name     string
	decl     string
	declared *regexp.Regexp
}

func newTextAttribute(decl string) textAttribute {
	name, _, _ := strings.Cut(decl, ":")
	return textAttribute{
		name:     name,
		decl:     decl,
		declared: regexp.MustCompile(`(^| )` + regexp.QuoteMeta(name) + `\b`),
	}
}
