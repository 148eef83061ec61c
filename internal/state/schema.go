package state

const schemaSQL = `
CREATE TABLE IF NOT EXISTS agent_runs (
  thread_id TEXT NOT NULL,
  run_id TEXT NOT NULL,
  events TEXT NOT NULL,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  PRIMARY KEY (thread_id, run_id)
);

CREATE INDEX IF NOT EXISTS idx_agent_runs_thread_created ON agent_runs(thread_id, created_at);
`
