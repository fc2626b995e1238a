// Command simrig-worker hosts one simulation engine in an isolated process.
// The controller talks to it over three inherited file descriptors: commands
// arrive on stdin, events (ready, credit, empty, value) leave on stdout, and
// the one-shot fault report leaves on fd 3. Stderr carries the worker's log
// and is scanned by the controller.
package main

import (
	"flag"
	"log/slog"
	"os"

	"github.com/cdelaunay/simrig/internal/engine"
	"github.com/cdelaunay/simrig/internal/engine/simstub"
	"github.com/cdelaunay/simrig/internal/worker"
)

func main() {
	var (
		engineName = flag.String("engine", simstub.EngineName, "engine to host")
		scene      = flag.String("scene", "", "scene to load at startup")
		gui        = flag.Bool("gui", false, "run with an interactive engine front-end")
		index      = flag.Int("index", 0, "worker index within the pool")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("worker", *index)

	factories := engine.NewFactories()
	if err := simstub.Register(factories); err != nil {
		logger.Error("register engines", "error", err)
		os.Exit(1)
	}
	def, err := factories.Resolve(*engineName)
	if err != nil {
		logger.Error("resolve engine", "error", err)
		os.Exit(1)
	}

	eng, err := def.New(engine.Options{Scene: *scene, GUI: *gui})
	if err != nil {
		logger.Error("construct engine", "engine", *engineName, "error", err)
		os.Exit(1)
	}

	rt := worker.New(eng, def.Methods, worker.Conn{
		Commands: os.Stdin,
		Events:   os.Stdout,
		Faults:   os.NewFile(3, "faults"),
	}, logger)

	logger.Info("worker starting", "engine", *engineName, "scene", *scene, "gui", *gui)
	if err := rt.Run(); err != nil {
		logger.Error("worker exited with fault", "error", err)
		os.Exit(1)
	}
}
