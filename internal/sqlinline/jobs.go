package sqlinline

// Column order shared by every query that returns a full job row.
const jobColumns = `id::text, owner_id, content_hash, source_ref, original_filename, mime_type, status,
       coalesce(claimed_by, ''), result_json, coalesce(error_message, ''), panel_count, series_count,
       created_at, claimed_at, resolved_at`

const QInsertJob = `--sql 337e61fe-5bde-419a-baa6-3de0f7b630e1
insert into chart_jobs (id, owner_id, content_hash, source_ref, original_filename, mime_type, status)
values ($1, $2, $3, $4, $5, $6, 'queued')
returning created_at;
`

const QSelectDoneJobByHash = `--sql 046bdcb2-8d8b-4997-a267-3104d813aadc
select ` + jobColumns + `
from chart_jobs
where owner_id = $1 and content_hash = $2 and status = 'done'
order by resolved_at desc
limit 1;
`

const QSelectJobForOwner = `--sql 8b78c6a0-34a5-42cb-9076-66ff6b0db2f3
select ` + jobColumns + `
from chart_jobs
where id = $1 and owner_id = $2;
`

const QListJobsForOwner = `--sql 9cf048be-121a-450e-aa72-833eba5d4783
select ` + jobColumns + `
from chart_jobs
where owner_id = $1
order by created_at desc
limit $2 offset $3;
`

const QListStaleClaims = `--sql 529b9780-fab5-458d-8865-eac1fab08d56
select ` + jobColumns + `
from chart_jobs
where status = 'claimed' and claimed_at < $1
order by claimed_at asc;
`

// QWorkerClaimJob selects and claims the oldest queued job in one statement.
// Rows locked by a concurrent claimer are skipped rather than waited on.
const QWorkerClaimJob = `--sql cabf763c-f31c-4766-bf6e-00b9831c5156
with next_job as (
    select id
    from chart_jobs
    where status = 'queued'
    order by created_at asc, id asc
    limit 1
    for update skip locked
),
claimed as (
    update chart_jobs
    set status = 'claimed', claimed_by = $1, claimed_at = now()
    where id in (select id from next_job)
    returning ` + jobColumns + `
)
select * from claimed;
`

const QCompleteJob = `--sql 69be6b4f-7f3c-4a85-86cd-46972ca6d800
update chart_jobs
set status = 'done',
    result_json = $3,
    panel_count = $4,
    series_count = $5,
    error_message = null,
    resolved_at = now()
where id = $1 and status = 'claimed' and claimed_by = $2;
`

const QFailJob = `--sql 0322a8d6-3957-4b25-8105-d0006e84ddcb
update chart_jobs
set status = 'error',
    error_message = $3,
    result_json = $4,
    resolved_at = now()
where id = $1 and status = 'claimed' and claimed_by = $2;
`
