package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/term"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/docopt/docopt-go"

	"github.com/bringyour/statesync/statesync"
)

const StateSyncCtlVersion = "0.0.1"

const DefaultHubAddr = "127.0.0.1:8035"
const DefaultHubUrl = "http://127.0.0.1:8035"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := fmt.Sprintf(`State sync control.

The defaults are:
    addr: %s
    hub_url: %s

Usage:
    statesyncctl hub [--addr=<addr>]
    statesyncctl watch [--hub_url=<hub_url>] --channel=<channel>
        [--message_count=<message_count>]
    statesyncctl set [--hub_url=<hub_url>] [--config=<config>] [--channel=<channel>]
        [--timeout=<timeout>]
        <assignment>...
    statesyncctl snapshot [--hub_url=<hub_url>] --config=<config> [--channel=<channel>]
        [--timeout=<timeout>]

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --addr=<addr>                    Hub listen address.
    --hub_url=<hub_url>              Hub to join.
    --channel=<channel>              Channel name. Overrides the config name.
    --config=<config>                Sync config file (yaml, toml or json).
    --message_count=<message_count>  Print this many messages then exit.
    --timeout=<timeout>              Wait this long for peers to answer [default: 1s].

An assignment is field=value. The value is parsed as json, or kept as a string.`,
		DefaultHubAddr,
		DefaultHubUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], StateSyncCtlVersion)
	if err != nil {
		panic(err)
	}

	if hub_, _ := opts.Bool("hub"); hub_ {
		hub(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if set_, _ := opts.Bool("set"); set_ {
		set(opts)
	} else if snapshot_, _ := opts.Bool("snapshot"); snapshot_ {
		snapshot(opts)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func hubUrl(opts docopt.Opts) string {
	if hubUrl_, err := opts.String("--hub_url"); err == nil && hubUrl_ != "" {
		return hubUrl_
	}
	return DefaultHubUrl
}

func timeout(opts docopt.Opts) time.Duration {
	timeoutStr, _ := opts.String("--timeout")
	timeout_, err := time.ParseDuration(timeoutStr)
	if err != nil {
		Err.Fatalf("Invalid timeout (%s).", err)
	}
	return timeout_
}

// loads the sync config and applies the `--channel` override
func loadSyncFileConfig(opts docopt.Opts) *SyncFileConfig {
	configPath, _ := opts.String("--config")
	syncFileConfig, err := LoadSyncFileConfig(configPath)
	if err != nil {
		Err.Fatalf("Invalid config (%s).", err)
	}
	if channel, err := opts.String("--channel"); err == nil && channel != "" {
		syncFileConfig.Name = channel
	}
	if syncFileConfig.Name == "" {
		Err.Fatalf("A channel name is required, from --channel or the config.")
	}
	return syncFileConfig
}

// run a hub until interrupted
func hub(opts docopt.Opts) {
	addr, err := opts.String("--addr")
	if err != nil || addr == "" {
		addr = DefaultHubAddr
	}

	ctx, cancel := signalContext()
	defer cancel()

	broadcastHub := statesync.NewHubWithDefaults(ctx)
	defer broadcastHub.Close()

	Out.Printf("Hub listening on %s\n", addr)
	if err := broadcastHub.ListenAndServe(addr); err != nil {
		Err.Fatalf("Hub error (%s).", err)
	}
}

// print every message on a channel
func watch(opts docopt.Opts) {
	channelName, _ := opts.String("--channel")

	var messageCount int
	if messageCount_, err := opts.Int("--message_count"); err == nil {
		messageCount = messageCount_
	} else {
		messageCount = -1
	}

	ctx, cancel := signalContext()
	defer cancel()

	provider := statesync.NewWsChannelProviderWithDefaults(hubUrl(opts))
	channel, err := provider.Open(ctx, channelName)
	if err != nil {
		Err.Fatalf("Could not join channel (%s).", err)
	}
	defer channel.Close()

	// pretty print for a person, one json object per line for a pipe
	pretty := term.IsTerminal(int(os.Stdout.Fd()))

	messages := make(chan *statesync.Message, 64)
	unsubscribe := channel.Subscribe(func(message *statesync.Message) {
		select {
		case messages <- message:
		case <-ctx.Done():
		}
	})
	defer unsubscribe()

	for i := 0; messageCount < 0 || i < messageCount; i += 1 {
		select {
		case <-ctx.Done():
			return
		case message := <-messages:
			frame, err := statesync.ToFrame(message)
			if err != nil {
				Err.Printf("Could not format message (%s).", err)
				continue
			}
			if pretty {
				Out.Printf("%s\n", protojson.MarshalOptions{Multiline: true}.Format(frame))
			} else {
				frameJson, err := protojson.Marshal(frame)
				if err != nil {
					Err.Printf("Could not format message (%s).", err)
					continue
				}
				Out.Printf("%s", frameJson)
			}
		}
	}
}

// join a channel, apply one mutation, flush, and exit
func set(opts docopt.Opts) {
	syncFileConfig := loadSyncFileConfig(opts)

	assignmentStrs, _ := opts["<assignment>"].([]string)
	assignments, err := parseAssignments(assignmentStrs)
	if err != nil {
		Err.Fatalf("Invalid assignment (%s).", err)
	}

	var schema *statesync.Schema
	if len(syncFileConfig.Fields) == 0 {
		schema, err = assignmentSchema(assignments)
	} else {
		schema, err = syncFileConfig.Schema()
	}
	if err != nil {
		Err.Fatalf("Invalid schema (%s).", err)
	}
	fields, err := coerceAssignments(schema, assignments)
	if err != nil {
		Err.Fatalf("Invalid assignment (%s).", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	stateSync := join(ctx, opts, syncFileConfig, schema)
	defer stateSync.Close()

	// let peers answer the join before writing, so their answers do not overwrite the write
	awaitJoin(ctx, stateSync, timeout(opts))

	stateSync.Set(statesync.SetFields(fields))
	stateSync.Close()

	Out.Printf("Set %s on %s.\n", strings.Join(sortedNames(fields), ", "), syncFileConfig.Name)
}

// join a channel and print the state the peers answer with
func snapshot(opts docopt.Opts) {
	syncFileConfig := loadSyncFileConfig(opts)

	schema, err := syncFileConfig.Schema()
	if err != nil {
		Err.Fatalf("Invalid schema (%s).", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	stateSync := join(ctx, opts, syncFileConfig, schema)
	defer stateSync.Close()

	if !awaitJoin(ctx, stateSync, timeout(opts)) {
		Err.Printf("No peers answered on %s.", syncFileConfig.Name)
	}

	stateJson, err := json.MarshalIndent(transmissibleState(stateSync.State()), "", "    ")
	if err != nil {
		Err.Fatalf("Could not format state (%s).", err)
	}
	Out.Printf("%s\n", stateJson)
}

func join(
	ctx context.Context,
	opts docopt.Opts,
	syncFileConfig *SyncFileConfig,
	schema *statesync.Schema,
) *statesync.Sync {
	syncConfig, err := syncFileConfig.SyncConfig()
	if err != nil {
		Err.Fatalf("Invalid exclude (%s).", err)
	}

	stateSync, err := statesync.NewSync(
		ctx,
		statesync.NewMemoryStore(statesync.State{}),
		schema,
		syncConfig,
		statesync.NewWsChannelProviderWithDefaults(hubUrl(opts)),
		syncFileConfig.SyncSettings(),
	)
	if err != nil {
		Err.Fatalf("Could not join (%s).", err)
	}
	if stateSync.SyncState() != statesync.SyncStateActive {
		Err.Fatalf("Could not reach the hub at %s.", hubUrl(opts))
	}
	return stateSync
}

// waits for the first merged answer. Returns false on timeout.
func awaitJoin(ctx context.Context, stateSync *statesync.Sync, timeout_ time.Duration) bool {
	endTime := time.Now().Add(timeout_)
	for {
		if 0 < stateSync.Stats().FieldsMerged {
			return true
		}
		if endTime.Before(time.Now()) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func sortedNames[V any](m map[string]V) []string {
	names := maps.Keys(m)
	slices.Sort(names)
	return names
}

func parseAssignments(assignmentStrs []string) (map[string]string, error) {
	assignments := map[string]string{}
	for _, assignmentStr := range assignmentStrs {
		name, valueStr, ok := strings.Cut(assignmentStr, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("%s is not field=value", assignmentStr)
		}
		assignments[name] = valueStr
	}
	return assignments, nil
}

// without a config, every assigned field is declared with any kind
func assignmentSchema(assignments map[string]string) (*statesync.Schema, error) {
	fields := []statesync.Field{}
	for _, name := range sortedNames(assignments) {
		fields = append(fields, statesync.Field{
			Name: name,
			Kind: statesync.KindAny,
		})
	}
	return statesync.NewSchema(fields...)
}

// string fields take the value as written. Other values are parsed as json,
// falling back to the string, then coerced to the field kind.
func coerceAssignments(schema *statesync.Schema, assignments map[string]string) (statesync.State, error) {
	fields := statesync.State{}
	for name, valueStr := range assignments {
		field, ok := schema.Field(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", statesync.ErrUnknownField, name)
		}
		if field.Kind == statesync.KindString {
			fields[name] = valueStr
			continue
		}
		var value any
		if err := json.Unmarshal([]byte(valueStr), &value); err != nil {
			value = valueStr
		}
		coercedValue, err := statesync.CoerceValue(field.Kind, value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		fields[name] = coercedValue
	}
	return fields, nil
}

// the json view of a state. Values that cannot be transmitted are left out.
func transmissibleState(state statesync.State) map[string]any {
	view := map[string]any{}
	for name, value := range state {
		if encodedValue, err := statesync.EncodeValue(value); err == nil {
			view[name] = encodedValue.AsInterface()
		}
	}
	return view
}
