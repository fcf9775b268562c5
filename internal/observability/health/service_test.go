package health

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	logx "postbot/pkg/logx"
)

func TestRootPing(t *testing.T) {
	srv := httptest.NewServer(New(Config{}, nil, noLog).Handler())
	defer srv.Close()

	res, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if res.StatusCode != http.StatusOK || string(body) != "Bot is running!" {
		t.Fatalf("GET / = %d %q", res.StatusCode, body)
	}

	res2, err := http.Get(srv.URL + "/nope")
	if err != nil {
		t.Fatal(err)
	}
	res2.Body.Close()
	if res2.StatusCode != http.StatusNotFound {
		t.Fatalf("GET /nope = %d", res2.StatusCode)
	}
}

func TestHealthzReportsProbe(t *testing.T) {
	svc := New(Config{}, func() Status { return Status{Posts: 3, Sessions: 1, Goroutines: 4} }, noLog)
	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	var st Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	if st.Status != "ok" || st.Posts != 3 || st.Sessions != 1 || st.Goroutines != 4 {
		t.Fatalf("status = %+v", st)
	}
}

func TestAddrDefault(t *testing.T) {
	if got := addrOf(Config{Addr: "  "}); got != DefaultAddr {
		t.Fatalf("addr = %q", got)
	}
	if got := addrOf(Config{Addr: "127.0.0.1:9"}); got != "127.0.0.1:9" {
		t.Fatalf("addr = %q", got)
	}
}

var noLog = logx.Nop()
