package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/ternarybob/relay/internal/app"
	"github.com/ternarybob/relay/internal/connectors"
	"github.com/ternarybob/relay/internal/models"
	syncsvc "github.com/ternarybob/relay/internal/services/sync"
	storage "github.com/ternarybob/relay/internal/storage/mongo"
)

// entityList is a repeatable -e flag.
type entityList []string

func (e *entityList) String() string {
	return strings.Join(*e, ",")
}

func (e *entityList) Set(value string) error {
	*e = append(*e, value)
	return nil
}

// runSync is the operator tool: one ad-hoc sync of selected entities
// from one connector into one destination, outside the scheduler.
func runSync(ctx context.Context, application *app.App, args []string) error {
	flags := flag.NewFlagSet("sync", flag.ContinueOnError)
	sourceID := flags.String("s", "", "Connector id (hex)")
	destinationID := flags.String("d", "", "Destination id (hex)")
	var entities entityList
	flags.Var(&entities, "e", "Entity to sync (can be specified multiple times; default: all)")
	incremental := flags.Bool("incremental", false, "Incremental sync instead of full")
	interactive := flags.Bool("i", false, "Interactive selection")
	if err := flags.Parse(args); err != nil {
		return err
	}

	var (
		source      *models.Connector
		destination *models.Destination
		err         error
	)

	if *interactive || *sourceID == "" || *destinationID == "" {
		source, destination, err = selectInteractive(ctx, application, &entities, incremental)
		if err != nil {
			return err
		}
	} else {
		source, err = lookupConnector(ctx, application, *sourceID)
		if err != nil {
			return err
		}
		destination, err = lookupDestination(ctx, application, *destinationID)
		if err != nil {
			return err
		}
	}

	connector, err := connectors.New(source, logger)
	if err != nil {
		return err
	}
	if result := connector.ValidateConfig(); !result.Valid {
		return fmt.Errorf("connector config invalid: %v", result.Errors)
	}

	fmt.Printf("Testing connection to %s (%s)...\n", source.Name, source.Type)
	test := connector.TestConnection(ctx)
	if !test.Success {
		return fmt.Errorf("connection test failed: %s", test.Message)
	}
	fmt.Printf("Connection OK: %s\n", test.Message)

	available, err := connector.AvailableEntities(ctx)
	if err != nil {
		return err
	}
	selected, err := pickEntities(entities, available)
	if err != nil {
		return err
	}

	handle, err := application.Pool.Get(ctx, storage.PoolContextDestination, destination.ID.Hex(), func(ctx context.Context, id string) (storage.ConnInfo, error) {
		return storage.ConnInfo{
			ConnectionString: destination.Connection.ConnectionString,
			Database:         destination.Connection.Database,
		}, nil
	})
	if err != nil {
		return err
	}
	writer := storage.NewDestinationWriter(handle, logger)

	mode := "full"
	if *incremental {
		mode = "incremental"
	}
	fmt.Printf("Syncing %d entities (%s) from %s into %s/%s\n",
		len(selected), mode, source.Name, destination.Name, destination.Connection.Database)

	execLog := &consoleExecLogger{}
	var total int64
	for _, entity := range selected {
		result, err := application.Executor.SyncEntity(ctx, syncsvc.EntityRequest{
			Connector:   connector,
			Source:      source,
			Writer:      writer,
			Entity:      entity,
			Incremental: *incremental,
			ExecLogger:  execLog,
		})
		total += result.Records
		if err != nil {
			return fmt.Errorf("entity %s: %w", entity, err)
		}
	}

	fmt.Printf("Sync complete: %d records across %d entities\n", total, len(selected))
	return nil
}

func lookupConnector(ctx context.Context, application *app.App, raw string) (*models.Connector, error) {
	id, err := primitive.ObjectIDFromHex(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid connector id %q: %w", raw, err)
	}
	return application.ConfigStore.GetConnector(ctx, id)
}

func lookupDestination(ctx context.Context, application *app.App, raw string) (*models.Destination, error) {
	id, err := primitive.ObjectIDFromHex(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid destination id %q: %w", raw, err)
	}
	return application.ConfigStore.GetDestination(ctx, id)
}

// selectInteractive walks the operator through workspace, connector,
// destination, entity and mode selection on stdin.
func selectInteractive(ctx context.Context, application *app.App, entities *entityList, incremental *bool) (*models.Connector, *models.Destination, error) {
	scanner := bufio.NewScanner(os.Stdin)

	workspaces, err := application.ConfigStore.ListWorkspaces(ctx)
	if err != nil {
		return nil, nil, err
	}
	if len(workspaces) == 0 {
		return nil, nil, fmt.Errorf("no workspaces configured")
	}
	fmt.Println("Workspaces:")
	for i, ws := range workspaces {
		fmt.Printf("  [%d] %s (%s)\n", i+1, ws.Name, ws.Slug)
	}
	wsIdx, err := promptIndex(scanner, "Select workspace", len(workspaces))
	if err != nil {
		return nil, nil, err
	}
	workspace := workspaces[wsIdx]

	sources, err := application.ConfigStore.ListActiveConnectors(ctx, &workspace.ID)
	if err != nil {
		return nil, nil, err
	}
	if len(sources) == 0 {
		return nil, nil, fmt.Errorf("workspace %s has no active connectors", workspace.Name)
	}
	fmt.Println("Connectors:")
	for i, c := range sources {
		fmt.Printf("  [%d] %s (%s)\n", i+1, c.Name, c.Type)
	}
	srcIdx, err := promptIndex(scanner, "Select connector", len(sources))
	if err != nil {
		return nil, nil, err
	}
	source := sources[srcIdx]

	destinations, err := application.ConfigStore.ListDestinations(ctx, workspace.ID)
	if err != nil {
		return nil, nil, err
	}
	if len(destinations) == 0 {
		return nil, nil, fmt.Errorf("workspace %s has no destinations", workspace.Name)
	}
	fmt.Println("Destinations:")
	for i, d := range destinations {
		fmt.Printf("  [%d] %s\n", i+1, d.Name)
	}
	dstIdx, err := promptIndex(scanner, "Select destination", len(destinations))
	if err != nil {
		return nil, nil, err
	}
	destination := destinations[dstIdx]

	connector, err := connectors.New(source, logger)
	if err != nil {
		return nil, nil, err
	}
	available, err := connector.AvailableEntities(ctx)
	if err != nil {
		return nil, nil, err
	}
	fmt.Println("Entities:")
	fmt.Println("  [0] ALL")
	for i, entity := range available {
		fmt.Printf("  [%d] %s\n", i+1, entity)
	}
	fmt.Print("Select entities (comma-separated, 0 for all): ")
	if !scanner.Scan() {
		return nil, nil, fmt.Errorf("input closed")
	}
	for _, field := range strings.Split(scanner.Text(), ",") {
		field = strings.TrimSpace(field)
		if field == "" || field == "0" {
			continue
		}
		n, err := strconv.Atoi(field)
		if err != nil || n < 1 || n > len(available) {
			return nil, nil, fmt.Errorf("invalid entity selection %q", field)
		}
		*entities = append(*entities, available[n-1])
	}

	fmt.Print("Mode [full|incremental] (default full): ")
	if !scanner.Scan() {
		return nil, nil, fmt.Errorf("input closed")
	}
	switch strings.TrimSpace(scanner.Text()) {
	case "", "full":
		*incremental = false
	case "incremental":
		*incremental = true
	default:
		return nil, nil, fmt.Errorf("invalid mode %q", strings.TrimSpace(scanner.Text()))
	}

	target := "ALL"
	if len(*entities) > 0 {
		target = entities.String()
	}
	fmt.Printf("Sync %s -> %s (entities: %s). Proceed? [y/N]: ", source.Name, destination.Name, target)
	if !scanner.Scan() {
		return nil, nil, fmt.Errorf("input closed")
	}
	answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
	if answer != "y" && answer != "yes" {
		return nil, nil, fmt.Errorf("aborted")
	}

	return source, destination, nil
}

func promptIndex(scanner *bufio.Scanner, label string, count int) (int, error) {
	fmt.Printf("%s [1-%d]: ", label, count)
	if !scanner.Scan() {
		return 0, fmt.Errorf("input closed")
	}
	n, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
	if err != nil || n < 1 || n > count {
		return 0, fmt.Errorf("invalid selection %q", scanner.Text())
	}
	return n - 1, nil
}

// pickEntities narrows the available entity list to the requested one,
// rejecting names the connector cannot produce.
func pickEntities(requested entityList, available []string) ([]string, error) {
	if len(requested) == 0 {
		return available, nil
	}
	known := make(map[string]bool, len(available))
	for _, entity := range available {
		known[entity] = true
	}
	for _, entity := range requested {
		if !known[entity] {
			return nil, fmt.Errorf("entity %q is not available (have: %s)", entity, strings.Join(available, ", "))
		}
	}
	return requested, nil
}

// consoleExecLogger lands batch-level sync progress on stdout for the
// operator tool instead of an execution record.
type consoleExecLogger struct{}

func (l *consoleExecLogger) Logf(level, format string, args ...interface{}) {
	fmt.Printf("  [%s] %s\n", level, fmt.Sprintf(format, args...))
}
