package runstore

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    case_id TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'queued',
    requested_solver TEXT,
    backend TEXT,
    fallback BOOLEAN DEFAULT FALSE,
    stop_reason TEXT,
    error TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    finished_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_runs_case_id ON runs(case_id);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);

CREATE TABLE IF NOT EXISTS dose_timings (
    case_id TEXT PRIMARY KEY,
    voxels INTEGER NOT NULL,
    duration_ms INTEGER NOT NULL,
    measured_at INTEGER NOT NULL
);
`
