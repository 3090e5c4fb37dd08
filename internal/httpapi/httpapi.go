// Package httpapi exposes a small net/http surface over a Session,
// for operators who want to read guest memory over the network
// instead of through the REPL.
//
// Grounded on libvirtdma's dma_io.rs HTTP handler: hex-encoded bodies,
// HTTP 200 on every response including failures, since the wire
// protocol reserves non-200 status codes for transport-level problems
// only, never introspection misses. No third-party router appears
// anywhere in the retrieved corpus, so this is the one component
// deliberately built on net/http's own Go 1.22+ pattern routing rather
// than an ecosystem router; see DESIGN.md.
package httpapi

import (
	"encoding/hex"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/go-vmi/winvmi/session"
)

// NewMux builds the routed handler for a bootstrapped Session.
func NewMux(sess *session.Session) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "DMA_OK")
	})

	mux.HandleFunc("GET /dma/pmemread/{dtb}/{va}/{len}", func(w http.ResponseWriter, r *http.Request) {
		dtb, ok1 := session.ParseU64(r.PathValue("dtb"), false)
		va, ok2 := session.ParseU64(r.PathValue("va"), false)
		length, err := strconv.Atoi(r.PathValue("len"))

		if !ok1 || !ok2 || err != nil || length <= 0 {
			writeHex(w, nil)
			return
		}

		buf := make([]byte, length)
		if !sess.ReadVirtual(buf, dtb, va) {
			log.Printf("httpapi: pmemread dtb=%#x va=%#x len=%d miss", dtb, va, length)
			writeHex(w, nil)
			return
		}

		writeHex(w, buf)
	})

	return mux
}

func writeHex(w http.ResponseWriter, buf []byte) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, hex.EncodeToString(buf))
}
