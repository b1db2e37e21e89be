package sqlinline

// Schema creates the job table. It is idempotent and applied by cmd/migrate.
const Schema = `
create table if not exists chart_jobs (
    id                uuid primary key,
    owner_id          text not null,
    content_hash      char(64) not null,
    source_ref        text not null,
    original_filename text not null default '',
    mime_type         text not null default 'application/octet-stream',
    status            text not null check (status in ('queued', 'claimed', 'done', 'error')),
    claimed_by        text,
    result_json       jsonb,
    error_message     text,
    panel_count       integer,
    series_count      integer,
    created_at        timestamptz not null default now(),
    claimed_at        timestamptz,
    resolved_at       timestamptz,
    check ((status = 'queued') = (claimed_at is null)),
    check ((status = 'error') = (error_message is not null))
);

create index if not exists chart_jobs_queue_idx on chart_jobs (created_at, id) where status = 'queued';
create index if not exists chart_jobs_owner_hash_idx on chart_jobs (owner_id, content_hash, status);
create index if not exists chart_jobs_owner_created_idx on chart_jobs (owner_id, created_at desc);
`
