package postgres

const queryInsertEvent = `
INSERT INTO domain_events (id, event_type, domain, aggregate_id, payload, user_id, correlation_id, causation_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`

const queryListEvents = `
SELECT seq, id, event_type, domain, aggregate_id, payload, user_id, correlation_id, causation_id, created_at
FROM domain_events
WHERE seq > $1
  AND ($2 = '' OR domain = $2)
ORDER BY seq ASC
LIMIT $3
`

const queryGetWorkItem = `
SELECT id, title, domain, status, COALESCE(assigned_to, ''), sla_breach_at, created_at, updated_at
FROM work_items
WHERE id = $1
`

const queryMarkItemOffered = `
UPDATE work_items
SET status = 'offered', updated_at = $2
WHERE id = $1
  AND status = 'open'
  AND assigned_to IS NULL
`

const queryInsertOffer = `
INSERT INTO task_offers (id, request_id, status, expires_at, created_by, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`

const queryInsertRecipient = `
INSERT INTO offer_recipients (offer_id, user_id, delivered_at)
VALUES ($1, $2, $3)
`

const queryGetOffer = `
SELECT id, request_id, status, expires_at, created_by, COALESCE(claimed_by, ''), claimed_at, created_at, updated_at
FROM task_offers
WHERE id = $1
`

const queryIsRecipient = `
SELECT EXISTS (
    SELECT 1 FROM offer_recipients
    WHERE offer_id = $1 AND user_id = $2
)
`

// The claim CAS. Lands for at most one caller: PostgreSQL acquires the row
// lock before re-evaluating the WHERE clause, so concurrent updates
// serialize and the losers match zero rows.
const queryClaimOffer = `
UPDATE task_offers
SET status = 'claimed', claimed_by = $2, claimed_at = $3, updated_at = $3
WHERE id = $1
  AND status = 'open'
  AND expires_at > $3
RETURNING id, request_id, status, expires_at, created_by, claimed_by, claimed_at, created_at, updated_at
`

const queryAssignWorkItem = `
UPDATE work_items
SET status = 'assigned', assigned_to = $2, updated_at = $3
WHERE id = $1
RETURNING domain
`

const queryRemoveRecipient = `
DELETE FROM offer_recipients
WHERE offer_id = $1 AND user_id = $2
`

const queryCancelOffer = `
UPDATE task_offers
SET status = 'cancelled', updated_at = $2
WHERE id = $1
  AND status = 'open'
RETURNING request_id
`

const queryRevertWorkItem = `
UPDATE work_items
SET status = 'open', updated_at = $2
WHERE id = $1
  AND status = 'offered'
`

const querySelectStaleOffers = `
SELECT o.id, o.request_id, o.status, o.expires_at, o.created_by, COALESCE(o.claimed_by, ''), o.claimed_at, o.created_at, o.updated_at, w.domain
FROM task_offers o
JOIN work_items w ON w.id = o.request_id
WHERE o.status = 'open'
  AND o.expires_at <= $1
ORDER BY o.expires_at ASC
LIMIT $2
FOR UPDATE OF o SKIP LOCKED
`

const queryExpireOffer = `
UPDATE task_offers
SET status = 'expired', updated_at = $2
WHERE id = $1
  AND status = 'open'
`

const queryListPendingOffers = `
SELECT o.id, o.request_id, o.status, o.expires_at, o.created_by, COALESCE(o.claimed_by, ''), o.claimed_at, o.created_at, o.updated_at
FROM task_offers o
JOIN offer_recipients r ON r.offer_id = o.id
WHERE r.user_id = $1
  AND o.status = 'open'
  AND o.expires_at > $2
ORDER BY o.expires_at ASC
`

const queryGetBreachedItems = `
SELECT w.id, w.title, w.domain, w.status, COALESCE(w.assigned_to, ''), w.sla_breach_at, w.created_at, w.updated_at
FROM work_items w
WHERE w.status NOT IN ('completed', 'cancelled')
  AND w.sla_breach_at IS NOT NULL
  AND w.sla_breach_at <= $1
  AND NOT EXISTS (
      SELECT 1 FROM sla_breach_records r
      WHERE r.request_id = w.id
        AND r.sla_breach_at = w.sla_breach_at
  )
ORDER BY w.sla_breach_at ASC
LIMIT $2
`

const queryInsertBreachRecord = `
INSERT INTO sla_breach_records (id, request_id, sla_breach_at, escalation_type, penalty_amount, escalation_reason, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`

const queryGetActiveTriggers = `
SELECT id, trigger_name, source_module, event_type, conditions, actions, is_active, created_at, updated_at
FROM workflow_triggers
WHERE event_type = $1
  AND is_active = true
ORDER BY trigger_name
`

const queryInsertExecution = `
INSERT INTO workflow_executions (id, trigger_id, execution_data, status, error_message, started_at)
VALUES ($1, $2, $3, $4, $5, $6)
`

const queryFinalizeExecution = `
UPDATE workflow_executions
SET status = $2, error_message = $3, completed_at = $4
WHERE id = $1
  AND status = 'running'
`

const queryGetExecutionStatus = `
SELECT status FROM workflow_executions WHERE id = $1
`
