package main

import (
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime"

	"corvid/internal/logx"
	"corvid/internal/uci"
)

func main() {
	backend := flag.String("backend", "material", "evaluation backend (material, onnx)")
	modelPath := flag.String("model", "", "path to ONNX model file")
	libPath := flag.String("lib", "", "path to onnxruntime shared library")
	logFile := flag.String("logfile", "", "log destination; <stderr> for console")
	pprofAddr := flag.String("pprof", "", "pprof listen address (e.g. localhost:6060)")
	flag.Parse()

	logger, err := logx.New(*logFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *modelPath != "" && *backend == "material" {
		*backend = "onnx"
	}

	logger.Info().
		Str("backend", *backend).
		Str("goversion", runtime.Version()).
		Int("numcpu", runtime.NumCPU()).
		Msgf("%s starting", uci.EngineName)

	if *pprofAddr != "" {
		go func() {
			if err := http.ListenAndServe(*pprofAddr, nil); err != nil {
				logger.Warn().Err(err).Msg("pprof failed")
			}
		}()
	}

	loop := uci.NewLoop(logger, os.Stdin, os.Stdout, *backend, *modelPath, *libPath)
	if err := loop.Run(); err != nil {
		logger.Error().Err(err).Msg("fatal")
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
