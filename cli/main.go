package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/urfave/cli/v2"
	"go.dedis.ch/notary/cron"
	"go.dedis.ch/notary/engine"
	"go.dedis.ch/notary/ledger"
	"go.dedis.ch/notary/logging"
	"go.dedis.ch/notary/metrics"
	"go.dedis.ch/notary/notary"
	"go.dedis.ch/notary/operation"
	"go.dedis.ch/notary/storage"
	"go.dedis.ch/notary/types"
	"gopkg.in/yaml.v3"
)

type demoConfig struct {
	Notary struct {
		ID            string `yaml:"id"`
		AdminPassword string `yaml:"adminPassword"`
	} `yaml:"notary"`
	Payer  string `yaml:"payer"`
	Payee  string `yaml:"payee"`
	Unit   string `yaml:"unit"`
	Amount int64  `yaml:"amount"`
}

func defaultConfig() demoConfig {
	var conf demoConfig
	conf.Notary.ID = "notary.demo"
	conf.Payer = "alice"
	conf.Payee = "bob"
	conf.Unit = "gold"
	conf.Amount = 40
	return conf
}

func loadConfig(path string) (demoConfig, error) {
	conf := defaultConfig()
	if path == "" {
		return conf, nil
	}
	blob, err := os.ReadFile(path)
	if err != nil {
		return conf, fmt.Errorf("config read error: %w", err)
	}
	if err := yaml.Unmarshal(blob, &conf); err != nil {
		return conf, fmt.Errorf("config parse error: %w", err)
	}
	return conf, nil
}

func main() {
	app := &cli.App{
		Name:  "notary",
		Usage: "client engine walkthrough against an in-process notary",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "yaml config `FILE`"},
		},
		Commands: []*cli.Command{
			{
				Name:  "demo",
				Usage: "run a cheque payment and a payment plan end to end",
				Action: func(c *cli.Context) error {
					conf, err := loadConfig(c.String("config"))
					if err != nil {
						return err
					}
					return runDemo(conf)
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		logging.RootLogger.Fatal().Err(err).Msg("demo failed")
	}
}

func runDemo(conf demoConfig) error {
	metrics.RegisterMetrics()
	srv := notary.NewServer(types.NotaryID(conf.Notary.ID),
		notary.WithAdminPassword(conf.Notary.AdminPassword))

	payerKey, err := crypto.GenerateKey()
	if err != nil {
		return err
	}
	payeeKey, err := crypto.GenerateKey()
	if err != nil {
		return err
	}

	payer := types.NymID(conf.Payer)
	payee := types.NymID(conf.Payee)
	notaryID := types.NotaryID(conf.Notary.ID)

	makeOp := func(id types.ContextID) operation.Operation {
		return notary.NewOperation(srv)
	}
	reg := engine.NewRegistry(engine.Config{
		Quantum:   20 * time.Millisecond,
		StatePoll: 20 * time.Millisecond,
	}, makeOp,
		engine.WithNymKey(payer, payerKey),
		engine.WithNymKey(payee, payeeKey))
	defer reg.Shutdown()

	wait := func(task types.Task) (types.Result, error) {
		_, fut, err := reg.StartTask(task)
		if err != nil {
			return types.Result{}, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		res, err := fut.Wait(ctx)
		if err != nil {
			return res, err
		}
		if !res.Succeeded() {
			return res, fmt.Errorf("%s rejected: %s", task.Kind(), res)
		}
		return res, nil
	}

	payerParty := types.Party{Nym: payer, Notary: notaryID}
	payeeParty := types.Party{Nym: payee, Notary: notaryID}

	// the payer issues the unit and gets the issuer account; the payee just
	// registers an account in it
	res, err := wait(types.IssueUnitTask{Party: payerParty, Unit: types.UnitID(conf.Unit),
		Terms: "one gram of gold per unit"})
	if err != nil {
		return err
	}
	payerAcct := types.AccountID(res.Reply.Note)
	res, err = wait(types.RegisterAccountTask{Party: payeeParty, Unit: types.UnitID(conf.Unit)})
	if err != nil {
		return err
	}
	payeeAcct := types.AccountID(res.Reply.Note)
	srv.Credit(payerAcct, 100)
	fmt.Printf("accounts ready: %s (funded 100), %s\n", payerAcct, payeeAcct)

	// cheque payment: send, refresh the payee's boxes, deposit
	if _, err := wait(types.SendChequeTask{Party: payerParty, Account: payerAcct,
		Recipient: payee, Amount: conf.Amount, Memo: "demo cheque"}); err != nil {
		return err
	}
	reg.Refresh()
	time.Sleep(200 * time.Millisecond)

	payeeCtx := reg.Context(payeeParty.Context())
	for _, txn := range payeeCtx.PaymentInbox().Entries() {
		if _, err := wait(types.DepositPaymentTask{Party: payeeParty,
			Account: payeeAcct, Ref: txn.RefNum}); err != nil {
			return err
		}
	}
	printBalances(srv, payerAcct, payeeAcct)

	// payment plan: both parties commit an opening/closing pair, the notary
	// activates the item, and removal settles the openings
	if _, err := wait(types.GetNumbersTask{Party: payerParty, Count: 4}); err != nil {
		return err
	}
	if _, err := wait(types.GetNumbersTask{Party: payeeParty, Count: 4}); err != nil {
		return err
	}

	payerCtx := reg.Context(payerParty.Context())
	payerAcctRef, ok := payerCtx.Account(payerAcct)
	if !ok {
		return fmt.Errorf("account %s not tracked locally", payerAcct)
	}
	payeeAcctRef, ok := payeeCtx.Account(payeeAcct)
	if !ok {
		return fmt.Errorf("account %s not tracked locally", payeeAcct)
	}
	payerSide := &cron.Side{Nym: payer, Key: payerKey, Pool: payerCtx.Pool(),
		Nymbox: payerCtx.Nymbox(), Acct: payerAcctRef, KV: storage.CreateSimpleKV()}
	payeeSide := &cron.Side{Nym: payee, Key: payeeKey, Pool: payeeCtx.Pool(),
		Nymbox: payeeCtx.Nymbox(), Acct: payeeAcctRef, KV: storage.CreateSimpleKV()}

	item := cron.NewItemBuilder(cron.Agreement, notaryID).
		WithSender(payer, payerAcct).
		WithRecipient(payee, payeeAcct).
		WithAgreement(5, 24*time.Hour).
		WithMemo("weekly allowance").
		Build()
	if err := cron.Propose(item, payerSide); err != nil {
		return err
	}
	if err := cron.Confirm(item, payeeSide, &payerKey.PublicKey); err != nil {
		return err
	}
	if err := cron.Activate(item, srv.SubmitCron); err != nil {
		return err
	}
	fmt.Printf("payment plan active: %s\n", item)

	if err := cron.RequestRemoval(item, payer, payerSide.Pool); err != nil {
		return err
	}
	if err := cron.Remove(item, payerSide, payeeSide, srv.NextReceipt); err != nil {
		return err
	}
	fmt.Printf("payment plan removed: %s\n", item)

	// each side accepts the final receipt from its inbox, settling the
	// closing numbers
	for _, side := range []*cron.Side{payerSide, payeeSide} {
		for _, txn := range side.Acct.Inbox.Entries() {
			if txn.Type != ledger.TypeFinalReceipt {
				continue
			}
			if err := cron.AcceptFinalReceipt(side, txn); err != nil {
				return err
			}
		}
		snap := side.Pool.Snapshot()
		fmt.Printf("%s numbers: %d available, %d issued, %d closed\n",
			side.Nym, len(snap.Available), len(snap.Issued), len(snap.Closed))
	}
	printBalances(srv, payerAcct, payeeAcct)
	return nil
}

func printBalances(srv *notary.Server, accts ...types.AccountID) {
	for _, id := range accts {
		if balance, ok := srv.Balance(id); ok {
			fmt.Printf("balance %s = %d\n", id, balance)
		}
	}
}
