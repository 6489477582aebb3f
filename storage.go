package jsbridge

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/glebarez/sqlite"
)

const storageSchema = `CREATE TABLE IF NOT EXISTS local_storage (
	namespace TEXT NOT NULL,
	key       TEXT NOT NULL,
	value     TEXT NOT NULL,
	seq       INTEGER NOT NULL,
	PRIMARY KEY (namespace, key)
)`

// storageJS installs localStorage on top of the host store. Values are
// stored as strings, like in browsers.
const storageJS = `
(function (g) {
	var call = g.__jsBridge_storage;
	delete g.__jsBridge_storage;

	function run(op, key, value) {
		var r = JSON.parse(call(op, key === undefined ? "" : String(key), value === undefined ? "" : String(value)));
		if (r.e) throw new Error("localStorage: " + r.e);
		return r.v;
	}

	var storage = {
		getItem: function (key) { return run("get", key); },
		setItem: function (key, value) { run("set", key, value); },
		removeItem: function (key) { run("remove", key); },
		clear: function () { run("clear"); },
		key: function (i) { return run("key", String(Math.floor(Number(i)))); }
	};
	Object.defineProperty(storage, "length", { get: function () { return run("length"); } });
	g.localStorage = storage;
})(globalThis);
`

// localStore persists the localStorage of one namespace in sqlite.
type localStore struct {
	db        *sql.DB
	namespace string
}

func openLocalStore(path, namespace string) (*localStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening storage database: %w", err)
	}
	if path == ":memory:" {
		// Every connection of an in-memory database is a separate database.
		db.SetMaxOpenConns(1)
	} else {
		_, _ = db.Exec("PRAGMA journal_mode=WAL")
	}
	if _, err := db.Exec(storageSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating storage schema: %w", err)
	}
	return &localStore{db: db, namespace: namespace}, nil
}

func (s *localStore) Get(key string) (*string, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM local_storage WHERE namespace = ? AND key = ?`, s.namespace, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *localStore) Set(key, value string) error {
	_, err := s.db.Exec(`INSERT INTO local_storage (namespace, key, value, seq)
		VALUES (?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM local_storage WHERE namespace = ?))
		ON CONFLICT (namespace, key) DO UPDATE SET value = excluded.value`,
		s.namespace, key, value, s.namespace)
	return err
}

func (s *localStore) Remove(key string) error {
	_, err := s.db.Exec(`DELETE FROM local_storage WHERE namespace = ? AND key = ?`, s.namespace, key)
	return err
}

func (s *localStore) Clear() error {
	_, err := s.db.Exec(`DELETE FROM local_storage WHERE namespace = ?`, s.namespace)
	return err
}

// Key returns the i-th key in insertion order.
func (s *localStore) Key(i int) (*string, error) {
	if i < 0 {
		return nil, nil
	}
	var k string
	err := s.db.QueryRow(`SELECT key FROM local_storage WHERE namespace = ? ORDER BY seq LIMIT 1 OFFSET ?`, s.namespace, i).Scan(&k)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func (s *localStore) Len() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM local_storage WHERE namespace = ?`, s.namespace).Scan(&n)
	return n, err
}

func (s *localStore) Close() error { return s.db.Close() }

type storageExtension struct {
	cfg   LocalStorageConfig
	c     *bridgeCore
	store *localStore
}

func (e *storageExtension) name() string { return "localStorage" }

func (e *storageExtension) setup(c *bridgeCore) error {
	e.c = c
	ns := e.cfg.Namespace
	if ns == "" {
		ns = c.id
	}
	store, err := openLocalStore(e.cfg.Path, ns)
	if err != nil {
		return err
	}
	e.store = store
	if err := c.rt.RegisterFunc("__jsBridge_storage", e.call); err != nil {
		return fmt.Errorf("registering localStorage: %w", err)
	}
	if err := c.rt.Eval(storageJS); err != nil {
		return fmt.Errorf("installing localStorage: %w", err)
	}
	return nil
}

func (e *storageExtension) release() {
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			e.c.notify(&DestroyError{Reason: "closing localStorage", Err: err})
		}
		e.store = nil
	}
}

type storageReply struct {
	Value any    `json:"v"`
	Error string `json:"e,omitempty"`
}

// call serves one localStorage operation and answers with JSON.
func (e *storageExtension) call(op, key, value string) string {
	var (
		v   any
		err error
	)
	switch op {
	case "get":
		v, err = e.store.Get(key)
	case "set":
		err = e.store.Set(key, value)
	case "remove":
		err = e.store.Remove(key)
	case "clear":
		err = e.store.Clear()
	case "key":
		var i int
		if _, serr := fmt.Sscan(key, &i); serr == nil {
			v, err = e.store.Key(i)
		}
	case "length":
		v, err = e.store.Len()
	default:
		err = fmt.Errorf("unknown operation %q", op)
	}
	r := storageReply{Value: v}
	if err != nil {
		r = storageReply{Error: err.Error()}
	}
	data, err := json.Marshal(r)
	if err != nil {
		return `{"e":"encoding reply"}`
	}
	return string(data)
}
