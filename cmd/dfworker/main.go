// Package main is the execution substrate's process entry point: bootstrap
// from the environment (spec §6), run the selected job against the
// resulting Host Context, exit with the code the job's outcome demands.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"errors"
	"flag"
	"os"

	"github.com/diaflow/diaflow/cmd/dfworker/examples"
	"github.com/diaflow/diaflow/cmn/cos"
	"github.com/diaflow/diaflow/cmn/nlog"
	"github.com/diaflow/diaflow/ctx"
)

var jobName string

func init() {
	flag.StringVar(&jobName, "job", "wordcount", "job to run: wordcount | reduceindex")
}

func main() {
	flag.Parse()

	cfg, err := ctx.ParseConfig(os.Getenv)
	if err != nil {
		cos.Exitf(cos.ExitBootstrapFailure, "bootstrap: %v", err)
	}

	hc, err := ctx.Bootstrap(cfg)
	if err != nil {
		cos.Exitf(cos.ExitBootstrapFailure, "bootstrap: %v", err)
	}
	defer hc.Close()

	job, err := jobFunc(jobName)
	if err != nil {
		cos.Exitf(cos.ExitUserError, "%v", err)
	}

	if err := hc.Run(job); err != nil {
		var userErr *cos.UserOperatorError
		if errors.As(err, &userErr) {
			cos.Exitf(cos.ExitUserError, "job failed: %v", err)
		}
		cos.Exitf(cos.ExitNetworkFailure, "job failed: %v", err)
	}

	nlog.Infof("rank %d: job %q completed", cfg.Rank, jobName)
	os.Exit(cos.ExitOK)
}

func jobFunc(name string) (func(w *ctx.Worker) error, error) {
	switch name {
	case "wordcount":
		return examples.WordCount, nil
	case "reduceindex":
		return examples.ReduceToIndexJob, nil
	default:
		return nil, errors.New("unknown -job: " + name)
	}
}
