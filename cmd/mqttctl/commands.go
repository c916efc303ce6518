package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/pflag"

	"github.com/vitalvas/mqttasync"
)

func parse(fs *pflag.FlagSet, args []string, out io.Writer) (bool, error) {
	fs.SetOutput(out)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return false, nil
		}
		return false, err
	}
	if fs.NArg() > 0 {
		return false, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	return true, nil
}

func runPub(ctx context.Context, args []string, stdin io.Reader, stderr io.Writer) error {
	var common commonFlags
	var topic, message, contentType string
	var qos uint8
	var retain, fromStdin bool
	var count int
	var interval time.Duration
	var userProps map[string]string

	fs := pflag.NewFlagSet("mqttctl pub", pflag.ContinueOnError)
	common.add(fs)
	fs.StringVarP(&topic, "topic", "t", "", "topic to publish to")
	fs.StringVarP(&message, "message", "m", "", "message payload")
	fs.BoolVar(&fromStdin, "stdin", false, "read the payload from standard input")
	fs.Uint8VarP(&qos, "qos", "q", 0, "quality of service (0, 1 or 2)")
	fs.BoolVarP(&retain, "retain", "r", false, "retain the message")
	fs.IntVarP(&count, "count", "n", 1, "number of times to publish the message")
	fs.DurationVar(&interval, "interval", 0, "pause between repeated publishes")
	fs.StringVar(&contentType, "content-type", "", "content type property (MQTT 5)")
	fs.StringToStringVar(&userProps, "user-property", nil, "user property key=value (MQTT 5), repeatable")

	ok, err := parse(fs, args, stderr)
	if !ok {
		return err
	}

	if err := mqttasync.ValidateTopicName(topic); err != nil {
		return fmt.Errorf("--topic: %w", err)
	}
	if qos > 2 {
		return fmt.Errorf("--qos must be 0, 1 or 2")
	}
	if count < 1 {
		return fmt.Errorf("--count must be at least 1")
	}

	payload := []byte(message)
	if fromStdin {
		if payload, err = io.ReadAll(stdin); err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
	}

	cfg, err := common.load(fs)
	if err != nil {
		return err
	}

	client, closeFn, err := session(cfg, stderr, common.timeout)
	if err != nil {
		return err
	}
	defer closeFn()

	for i := range count {
		if i > 0 && interval > 0 {
			select {
			case <-time.After(interval):
			case <-ctx.Done():
				return nil
			}
		}

		msg := mqttasync.NewMessage(topic, payload, qos)
		msg.Retain = retain
		if contentType != "" {
			msg.SetContentType(contentType)
		}
		for k, v := range userProps {
			msg.AddUserProperty(k, v)
		}

		if err := client.Publish(msg).WaitTimeout(common.timeout); err != nil {
			return fmt.Errorf("publish: %w", err)
		}
	}
	return nil
}

func runSub(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var common commonFlags
	var topics []string
	var qos uint8
	var count int
	var verbose bool

	fs := pflag.NewFlagSet("mqttctl sub", pflag.ContinueOnError)
	common.add(fs)
	fs.StringSliceVarP(&topics, "topic", "t", nil, "topic filter to subscribe to, repeatable")
	fs.Uint8VarP(&qos, "qos", "q", 0, "requested quality of service (0, 1 or 2)")
	fs.IntVarP(&count, "count", "n", 0, "exit after this many messages (0: run until interrupted)")
	fs.BoolVarP(&verbose, "verbose", "v", false, "print QoS, retain flag and properties")

	ok, err := parse(fs, args, stderr)
	if !ok {
		return err
	}

	if len(topics) == 0 {
		return fmt.Errorf("at least one --topic is required")
	}
	for _, t := range topics {
		if err := mqttasync.ValidateTopicFilter(t); err != nil {
			return fmt.Errorf("--topic %q: %w", t, err)
		}
	}
	if qos > 2 {
		return fmt.Errorf("--qos must be 0, 1 or 2")
	}

	cfg, err := common.load(fs)
	if err != nil {
		return err
	}

	client, closeFn, err := session(cfg, stderr, common.timeout)
	if err != nil {
		return err
	}
	defer closeFn()

	queue := client.StartConsuming(0)

	levels := make([]byte, len(topics))
	for i := range levels {
		levels[i] = qos
	}
	granted, err := client.SubscribeMany(topics, levels).WaitTimeout(common.timeout)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	for i, rc := range granted {
		if rc.IsError() {
			return fmt.Errorf("subscribe %q refused: %s", topics[i], rc)
		}
	}

	received := 0
	for {
		msg, err := queue.RecvContext(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if msg == nil {
			fmt.Fprintln(stderr, "connection lost")
			continue
		}

		printMessage(stdout, msg, verbose)

		received++
		if count > 0 && received >= count {
			return nil
		}
	}
}

func printMessage(w io.Writer, msg *mqttasync.Message, verbose bool) {
	if !verbose {
		fmt.Fprintf(w, "%s %s\n", msg.Topic, msg.Payload)
		return
	}

	fmt.Fprintf(w, "%s qos=%d retain=%t", msg.Topic, msg.QoS, msg.Retain)
	if ct := msg.ContentType(); ct != "" {
		fmt.Fprintf(w, " content-type=%s", ct)
	}
	for _, p := range msg.Properties.UserProperties() {
		fmt.Fprintf(w, " %s=%s", p.Key, p.Value)
	}
	fmt.Fprintf(w, " %s\n", msg.Payload)
}
