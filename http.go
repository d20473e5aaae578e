package microlab

import (
	"context"
	"io"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"
)

const maxCommandBody = 2048

// ServeHTTP exposes the command protocol over HTTP: POST /command runs the
// body as one command line, GET /status prints the controller status.
// Blocks until the context is cancelled or the server fails.
func (ml *MicroLab) ServeHTTP(ctx context.Context) error {
	if len(ml.HttpAddr) == 0 {
		return errors.New("http address not set")
	}

	router := httprouter.New()
	router.POST("/command", ml.handleCommand)
	router.GET("/status", ml.handleStatus)

	server := &http.Server{Addr: ml.HttpAddr, Handler: router}

	go func() {
		<-ctx.Done()
		server.Close()
	}()

	ml.logger.Info("Serving http", "addr", ml.HttpAddr)

	err := server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return errors.Wrap(err, "http server failed")
}

func (ml *MicroLab) handleCommand(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBody))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	line := string(body)
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write(ml.Execute(line))
}

func (ml *MicroLab) handleStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	ml.PrintStatus(w)
}
