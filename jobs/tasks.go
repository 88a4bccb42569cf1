package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/carbontrack/carbontrack/internal/transfers"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueLedger carries jobs that wait on ledger receipts.
	QueueLedger = "ledger"

	// TaskMintReconcile anchors one batch whose mint outcome is unknown.
	TaskMintReconcile = "minting:reconcile"
	// TaskMintReconcileSweep reconciles every batch with an open mint attempt.
	TaskMintReconcileSweep = "minting:reconcile_sweep"
	// TaskTransferConfirm records a submitted ledger transfer once mined.
	TaskTransferConfirm = "transfers:confirm"
	// TaskPartnerRepair restores partnership pairs missing their inverse edge.
	TaskPartnerRepair = "partners:repair"
)

// MintReconcilePayload identifies the batch to reconcile.
type MintReconcilePayload struct {
	BatchID string `json:"batch_id"`
}

// SweepPayload bounds how many records a sweep-style job touches.
type SweepPayload struct {
	Limit int `json:"limit"`
}

// TransferConfirmPayload carries the submitted transfer.
type TransferConfirmPayload struct {
	Pending transfers.PendingTransfer `json:"pending"`
}

// NewMintReconcileTask constructs a reconcile task for batchID.
func NewMintReconcileTask(batchID string) (*asynq.Task, error) {
	if batchID == "" {
		return nil, fmt.Errorf("jobs: batch id required")
	}
	return newTask(TaskMintReconcile, MintReconcilePayload{BatchID: batchID})
}

// NewMintReconcileSweepTask constructs the periodic sweep task.
func NewMintReconcileSweepTask(limit int) (*asynq.Task, error) {
	return newTask(TaskMintReconcileSweep, SweepPayload{Limit: limit})
}

// NewTransferConfirmTask constructs a confirmation task for a submitted transfer.
func NewTransferConfirmTask(pending transfers.PendingTransfer) (*asynq.Task, error) {
	if pending.TxHash == "" {
		return nil, fmt.Errorf("jobs: transaction hash required")
	}
	return newTask(TaskTransferConfirm, TransferConfirmPayload{Pending: pending})
}

// NewPartnerRepairTask constructs the partnership repair task.
func NewPartnerRepairTask(limit int) (*asynq.Task, error) {
	return newTask(TaskPartnerRepair, SweepPayload{Limit: limit})
}

func newTask(typ string, payload any) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(typ, data), nil
}
