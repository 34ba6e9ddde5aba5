package crm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeCRM struct {
	t          *testing.T
	srv        *httptest.Server
	logins     int32
	validToken atomic.Value
	handler    func(w http.ResponseWriter, r *http.Request)
}

func newFakeCRM(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *fakeCRM {
	t.Helper()
	f := &fakeCRM{t: t, handler: handler}
	f.validToken.Store("token-1")
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeCRM) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == tokenPath {
		n := atomic.AddInt32(&f.logins, 1)
		if err := r.ParseForm(); err != nil {
			f.t.Errorf("parse form: %v", err)
		}
		if r.Form.Get("grant_type") == grantTypePassword && r.Form.Get("password") != "secretTOKEN" {
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, `{"error":"invalid_grant","error_description":"authentication failure"}`)
			return
		}
		tok := fmt.Sprintf("token-%d", n)
		f.validToken.Store(tok)
		json.NewEncoder(w).Encode(Token{AccessToken: tok, InstanceURL: f.srv.URL, TokenType: "Bearer"})
		return
	}
	if r.Header.Get("Authorization") != "Bearer "+f.validToken.Load().(string) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `[{"message":"Session expired or invalid","errorCode":"INVALID_SESSION_ID"}]`)
		return
	}
	f.handler(w, r)
}

func (f *fakeCRM) passwordGrant() *PasswordGrant {
	return &PasswordGrant{
		LoginURL:      f.srv.URL,
		ClientID:      "cid",
		ClientSecret:  "csecret",
		Username:      "etl@demo.test",
		Password:      "secret",
		SecurityToken: "TOKEN",
	}
}

func newClient(tokens TokenSource) *Client {
	return NewClient(tokens, WithRetry(0, time.Millisecond))
}

func TestCreate(t *testing.T) {
	f := newFakeCRM(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/services/data/v59.0/sobjects/Account/" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["Name"] != "Maria Lopez" {
			t.Errorf("expected Name Maria Lopez, got %v", body["Name"])
		}
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"id":"001xx0000001","success":true,"errors":[]}`)
	})

	c := newClient(NewCachedTokenSource(f.passwordGrant()))
	id, err := c.Create(context.Background(), "Account", map[string]string{"Name": "Maria Lopez"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "001xx0000001" {
		t.Errorf("expected id 001xx0000001, got %s", id)
	}
}

func TestCreate_APIError(t *testing.T) {
	f := newFakeCRM(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `[{"message":"Required fields are missing: [LastName]","errorCode":"REQUIRED_FIELD_MISSING","fields":["LastName"]}]`)
	})

	c := newClient(NewCachedTokenSource(f.passwordGrant()))
	_, err := c.Create(context.Background(), "User", map[string]string{})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", apiErr.StatusCode)
	}
	if len(apiErr.Errors) != 1 || apiErr.Errors[0].ErrorCode != "REQUIRED_FIELD_MISSING" {
		t.Fatalf("unexpected errors: %+v", apiErr.Errors)
	}
	if !strings.Contains(err.Error(), "LastName") {
		t.Errorf("expected message to name the field, got %s", err.Error())
	}
}

func TestClient_RefreshesTokenOnce(t *testing.T) {
	f := newFakeCRM(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"id":"a1","success":true}`)
	})

	tokens := NewCachedTokenSource(f.passwordGrant())
	c := newClient(tokens)
	if _, err := c.Create(context.Background(), "Account", map[string]string{"Name": "x"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Expire the session server-side.
	f.validToken.Store("rotated")
	if _, err := c.Create(context.Background(), "Account", map[string]string{"Name": "y"}); err != nil {
		t.Fatalf("expected refresh to succeed, got %v", err)
	}
	if n := atomic.LoadInt32(&f.logins); n != 2 {
		t.Errorf("expected 2 logins, got %d", n)
	}
}

func TestClient_UnauthorizedWithoutRefresh(t *testing.T) {
	f := newFakeCRM(t, func(w http.ResponseWriter, r *http.Request) {})

	c := newClient(StaticToken{AccessToken: "wrong", InstanceURL: f.srv.URL})
	_, err := c.Create(context.Background(), "Account", map[string]string{})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestPasswordGrant_BadCredentials(t *testing.T) {
	f := newFakeCRM(t, func(w http.ResponseWriter, r *http.Request) {})
	g := f.passwordGrant()
	g.SecurityToken = ""

	_, err := g.Token(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.Errors[0].ErrorCode != "invalid_grant" {
		t.Errorf("expected invalid_grant, got %s", apiErr.Errors[0].ErrorCode)
	}
}

func TestCreateCollection_Batches(t *testing.T) {
	var (
		mu    sync.Mutex
		sizes []int
	)
	f := newFakeCRM(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/services/data/v59.0/composite/sobjects" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body struct {
			AllOrNone bool             `json:"allOrNone"`
			Records   []map[string]any `json:"records"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.AllOrNone {
			t.Error("expected allOrNone false")
		}
		mu.Lock()
		sizes = append(sizes, len(body.Records))
		mu.Unlock()

		results := make([]SaveResult, len(body.Records))
		for i, rec := range body.Records {
			attrs, _ := rec["attributes"].(map[string]any)
			if attrs["type"] != "Account" {
				t.Errorf("expected attributes.type Account, got %v", attrs["type"])
			}
			if rec["Name"] == "bad" {
				results[i] = SaveResult{Errors: []ErrorItem{{StatusCode: "REQUIRED_FIELD_MISSING", Message: "missing"}}}
				continue
			}
			results[i] = SaveResult{ID: fmt.Sprintf("id-%v", rec["Name"]), Success: true}
		}
		json.NewEncoder(w).Encode(results)
	})

	records := make([]any, 450)
	for i := range records {
		records[i] = map[string]string{"Name": fmt.Sprint(i)}
	}
	records[201] = map[string]string{"Name": "bad"}

	c := newClient(NewCachedTokenSource(f.passwordGrant()))
	results, err := c.CreateCollection(context.Background(), "Account", records, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(sizes) != 3 || sizes[0] != 200 || sizes[1] != 200 || sizes[2] != 50 {
		t.Errorf("expected batches 200/200/50, got %v", sizes)
	}
	if len(results) != 450 {
		t.Fatalf("expected 450 results, got %d", len(results))
	}
	if results[201].Err() == nil {
		t.Error("expected result 201 to fail")
	}
	if results[449].ID != "id-449" {
		t.Errorf("expected id-449, got %s", results[449].ID)
	}
}

func TestQuery_FollowsNextRecordsURL(t *testing.T) {
	f := newFakeCRM(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/services/data/v59.0/query":
			if q := r.URL.Query().Get("q"); !strings.HasPrefix(q, "SELECT Id, EHR_Patient_Id__c FROM Account") {
				t.Errorf("unexpected soql %q", q)
			}
			io.WriteString(w, `{"totalSize":3,"done":false,"nextRecordsUrl":"/services/data/v59.0/query/01gNEXT-2000","records":[
				{"attributes":{"type":"Account"},"Id":"001A","EHR_Patient_Id__c":"P1"},
				{"attributes":{"type":"Account"},"Id":"001B","EHR_Patient_Id__c":"P2"}]}`)
		case "/services/data/v59.0/query/01gNEXT-2000":
			io.WriteString(w, `{"totalSize":3,"done":true,"records":[
				{"attributes":{"type":"Account"},"Id":"001C","EHR_Patient_Id__c":"P3"}]}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	c := newClient(NewCachedTokenSource(f.passwordGrant()))
	recs, err := c.Query(context.Background(), "SELECT Id, EHR_Patient_Id__c FROM Account WHERE EHR_Patient_Id__c != NULL")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	if recs[2].ID() != "001C" || recs[2].String("EHR_Patient_Id__c") != "P3" {
		t.Errorf("unexpected last record %s", recs[2].Raw())
	}
	if recs[0].Get("attributes.type").String() != "Account" {
		t.Errorf("expected nested path access to work")
	}
}

func TestClient_APIVersionOption(t *testing.T) {
	c := NewClient(StaticToken{}, WithAPIVersion("v60.0"))
	if c.APIVersion() != "60.0" {
		t.Errorf("expected 60.0, got %s", c.APIVersion())
	}
}
