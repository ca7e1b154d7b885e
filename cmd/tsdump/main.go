// tsdump prints the contents of a turbostream.
//
// It reads a stream from a file, or stdin if no file is given, prints the root value as soon as
// the critical frame is decoded, then each deferred value as it settles. Deferred values are
// numbered in the order they are found. Plugin values are printed by tag, except protobuf
// messages of well-known types, which are decoded.
//
// The exit status is non-zero if the stream is malformed or the timeout expires.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	// well-known message types, so protoplugin can resolve them by name.
	_ "google.golang.org/protobuf/types/known/anypb"
	_ "google.golang.org/protobuf/types/known/durationpb"
	_ "google.golang.org/protobuf/types/known/emptypb"
	_ "google.golang.org/protobuf/types/known/structpb"
	_ "google.golang.org/protobuf/types/known/timestamppb"
	_ "google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/stewi1014/turbostream"
	"github.com/stewi1014/turbostream/plugins/protoplugin"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flagSet := pflag.NewFlagSet("tsdump", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	frames := flagSet.Bool("frames", false, "print every raw frame as it is read")
	timeout := flagSet.Duration("timeout", 0, "fail if the stream has not ended after this long (0 waits forever)")
	verbose := flagSet.BoolP("verbose", "v", false, "log decoder debug output to stderr")
	flagSet.Usage = func() {
		fmt.Fprintf(stderr, "Usage:\n  tsdump [flags] [file]\n\nFlags:\n")
		flagSet.PrintDefaults()
	}

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if flagSet.NArg() > 1 {
		return fmt.Errorf("unexpected argument: %s", flagSet.Arg(1))
	}

	var input io.Reader = stdin
	if flagSet.NArg() == 1 && flagSet.Arg(0) != "-" {
		file, err := os.Open(flagSet.Arg(0))
		if err != nil {
			return err
		}
		defer file.Close()
		input = file
	}

	ctx := context.Background()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}

	d := newDumper(stdout)
	if *frames {
		input = io.TeeReader(input, d.frameWriter())
	}

	config := &turbostream.Config{
		Logger: slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})),
		DecodePlugins: []turbostream.DecodePlugin{
			protoplugin.Decode,
			opaque,
		},
	}

	res, err := turbostream.Decode(ctx, input, config)
	if err != nil {
		return err
	}

	d.show("root: %s\n", res.Value)

	if _, err := res.Done.Wait(context.Background()); err != nil {
		return err
	}
	return d.err()
}
