package store

// Schema is the pristine DDL. The live database is reconciled against it at
// startup by Migrate; edit this, not the live DB.
const Schema = `
CREATE TABLE transcription (
    id TEXT PRIMARY KEY,
    status TEXT NOT NULL DEFAULT 'queued',
    task TEXT,
    model_type TEXT,
    whisper_model_size TEXT,
    hugging_face_model_id TEXT,
    language TEXT,
    file TEXT,
    url TEXT,
    source TEXT,
    output_folder TEXT,
    export_formats TEXT,
    word_level_timings INTEGER NOT NULL DEFAULT 0,
    extract_speech INTEGER NOT NULL DEFAULT 0,
    progress REAL NOT NULL DEFAULT 0,
    error_message TEXT,
    time_queued TEXT NOT NULL,
    time_started TEXT,
    time_ended TEXT,
    name TEXT,
    notes TEXT
);

CREATE TABLE transcription_segment (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    transcription_id TEXT NOT NULL,
    start_time INTEGER NOT NULL DEFAULT 0,
    end_time INTEGER NOT NULL DEFAULT 0,
    text TEXT NOT NULL DEFAULT '',
    translation TEXT NOT NULL DEFAULT '',
    FOREIGN KEY (transcription_id) REFERENCES transcription(id) ON DELETE CASCADE
);

CREATE INDEX idx_transcription_segment_transcription_id
    ON transcription_segment (transcription_id);
`
