package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// stdio frames: one JSON object per line in, one per line out, correlated
// by id. Long-polling ops (poll_pending_tasks, delegate_task) block the
// request but not the loop: each request runs in its own goroutine.

type stdioRequest struct {
	ID   json.RawMessage `json:"id"`
	Op   string          `json:"op"`
	Args json.RawMessage `json:"args"`
}

type stdioResponse struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Result interface{}     `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// ServeStdio pumps tool calls from r to w until EOF or context cancel.
func (s *Service) ServeStdio(ctx context.Context, r io.Reader, w io.Writer) error {
	enc := json.NewEncoder(w)
	var writeMu sync.Mutex
	respond := func(resp *stdioResponse) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := enc.Encode(resp); err != nil {
			s.log.WithError(err).Warn("stdio write failed")
		}
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req stdioRequest
		if err := json.Unmarshal(line, &req); err != nil {
			respond(&stdioResponse{Error: &Error{
				Kind:    KindBadArgument,
				Message: fmt.Sprintf("malformed request: %v", err),
			}})
			continue
		}
		wg.Add(1)
		go func(req stdioRequest) {
			defer wg.Done()
			res, err := s.Dispatch(ctx, req.Op, req.Args)
			resp := &stdioResponse{ID: req.ID}
			if err != nil {
				resp.Error = asError(err)
			} else {
				resp.Result = res
			}
			respond(resp)
		}(req)
	}
	return scanner.Err()
}
