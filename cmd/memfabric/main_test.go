package main

import (
	"testing"

	"github.com/memfabric/memfabric/config"
	"github.com/memfabric/memfabric/pkg/atom/memstore"
	"github.com/memfabric/memfabric/pkg/consolidator"
	"github.com/memfabric/memfabric/pkg/decay"
	"github.com/memfabric/memfabric/pkg/logger"
	"github.com/memfabric/memfabric/pkg/ports/graphport"
	"github.com/memfabric/memfabric/pkg/relationship"
)

func TestBuildTasksOrderAndCadence(t *testing.T) {
	log := logger.New(&logger.Config{Level: logger.ErrorLevel, Format: "text", Output: "stderr"})
	store := memstore.New()
	relEngine := relationship.NewEngine(relationship.NewMemStore(), log)
	decayProc := decay.NewProcessor(decay.DefaultConfig(), store, nil, log)

	tasks := buildTasks(store, relEngine, decayProc, graphport.New(), config.DefaultConfig())

	wantOrder := []string{
		"relationship_cooling",
		"memory_decay",
		"graph_maintenance",
		"retention_pruning",
		"weekly_digest",
		"monthly_digest",
	}
	if len(tasks) != len(wantOrder) {
		t.Fatalf("got %d tasks, want %d", len(tasks), len(wantOrder))
	}
	for i, name := range wantOrder {
		if tasks[i].Name != name {
			t.Fatalf("task[%d] = %s, want %s", i, tasks[i].Name, name)
		}
	}

	// Every maintenance pass shares the nightly cadence; only the digests
	// run on longer windows.
	for _, task := range tasks[:4] {
		if task.Cadence != consolidator.CadenceDaily {
			t.Fatalf("%s cadence = %s, want daily", task.Name, task.Cadence)
		}
	}
	if tasks[4].Cadence != consolidator.CadenceWeekly || tasks[5].Cadence != consolidator.CadenceMonthly {
		t.Fatalf("digest cadences = %s, %s", tasks[4].Cadence, tasks[5].Cadence)
	}
}

func TestBuildTasksWithoutGraphPort(t *testing.T) {
	log := logger.New(&logger.Config{Level: logger.ErrorLevel, Format: "text", Output: "stderr"})
	store := memstore.New()
	relEngine := relationship.NewEngine(relationship.NewMemStore(), log)
	decayProc := decay.NewProcessor(decay.DefaultConfig(), store, nil, log)

	tasks := buildTasks(store, relEngine, decayProc, nil, config.DefaultConfig())
	for _, task := range tasks {
		if task.Name == "graph_maintenance" {
			t.Fatal("graph maintenance scheduled without a graph port")
		}
	}
}
