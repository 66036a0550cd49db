package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"miren.dev/dispatch/pkg/cond"
	"miren.dev/dispatch/pkg/dispatch"
)

// jsonDecoding turns cbor maps into map[string]any so responses can be
// rendered as JSON.
var jsonDecoding = func() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}()

type callResult struct {
	Call     string       `json:"call"`
	Remote   string       `json:"remote,omitempty"`
	Attempts int          `json:"attempts"`
	Response any          `json:"response,omitempty"`
	Error    *cond.Status `json:"error,omitempty"`
}

func (c *CLI) call(ctx context.Context, opts struct {
	Global
	Service string   `short:"s" long:"service" description:"service name"`
	Method  string   `short:"m" long:"method" description:"method name"`
	Data    string   `short:"d" long:"data" description:"request as JSON"`
	Addrs   []string `short:"a" long:"addr" description:"address to call, may be repeated"`
	Count   int      `short:"n" long:"count" description:"number of concurrent calls"`
	Timeout string   `short:"t" long:"timeout" description:"overall deadline, such as 5s"`
	Trace   bool     `long:"trace" description:"print spans to stderr"`
}) error {
	if opts.Service == "" || opts.Method == "" {
		return errors.New("--service and --method are required")
	}

	log := c.logger(opts.Global)

	cfg, err := c.loadConfig(opts.Global)
	if err != nil {
		return err
	}

	if len(opts.Addrs) > 0 {
		cfg.RoundRobin = opts.Addrs
	}

	if opts.Trace {
		shutdown, err := setupTracing()
		if err != nil {
			return err
		}
		defer shutdown(context.Background())
	}

	if opts.Timeout != "" {
		d, err := time.ParseDuration(opts.Timeout)
		if err != nil {
			return errors.Wrap(err, "parsing timeout")
		}

		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	req, err := decodeRequest(opts.Data)
	if err != nil {
		return err
	}

	caller, closer, err := cfg.Caller(log)
	if err != nil {
		return err
	}
	defer closer.Close()

	m := &dispatch.Method{Service: opts.Service, Name: opts.Method}

	count := max(opts.Count, 1)
	results := make([]callResult, count)

	var g errgroup.Group
	for i := range count {
		g.Go(func() error {
			results[i] = invoke(ctx, caller, m, req)
			if st := results[i].Error; st != nil {
				return st.Err()
			}
			return nil
		})
	}

	werr := g.Wait()

	var failed int
	for _, res := range results {
		if res.Error != nil {
			failed++
		}

		data, err := json.Marshal(res)
		if err != nil {
			return err
		}

		fmt.Fprintln(c.out, string(data))
	}

	if werr != nil {
		return errors.Wrapf(werr, "%d of %d calls failed", failed, count)
	}

	return nil
}

func invoke(ctx context.Context, caller *dispatch.Caller, m *dispatch.Method, req any) callResult {
	co := dispatch.NewCoordinator[cbor.RawMessage](ctx, caller, m, req)
	co.Run()

	raw, err := co.Future().Wait(ctx)

	res := callResult{
		Call:     co.ID(),
		Attempts: len(co.Attempts()),
	}

	if addr, ok := co.Affinity().Current(); ok {
		res.Remote = string(addr)
	}

	if err != nil {
		caller.ReportFailure(co.Affinity(), err)

		st := cond.StatusOf(err)
		res.Error = &st
		return res
	}

	if err := jsonDecoding.Unmarshal(*raw, &res.Response); err != nil {
		st := cond.StatusOf(cond.ApplicationFailure("cli", "invalid-response", err.Error()))
		res.Error = &st
	}

	return res
}

func decodeRequest(data string) (any, error) {
	if data == "" {
		return nil, nil
	}

	var v any
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return nil, errors.Wrap(err, "parsing --data as JSON")
	}

	return v, nil
}
