package main

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type logOptions struct {
	level  string
	format string
	file   string
}

// newLogger builds the process logger. With a file, output goes to both
// stderr and the rotated file; the returned func closes the file.
func newLogger(opts logOptions) (*logrus.Logger, func() error, error) {
	level, err := logrus.ParseLevel(opts.level)
	if err != nil {
		return nil, nil, err
	}
	logger := logrus.New()
	logger.SetLevel(level)

	switch opts.format {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", opts.format)
	}

	closer := func() error { return nil }
	if opts.file != "" {
		fileLogger := &lumberjack.Logger{
			Filename:   opts.file,
			MaxSize:    10,
			MaxBackups: 5,
			MaxAge:     7,
			Compress:   true,
		}
		logger.SetOutput(io.MultiWriter(os.Stderr, fileLogger))
		closer = fileLogger.Close
	}
	return logger, closer, nil
}
