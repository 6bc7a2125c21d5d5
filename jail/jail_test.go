package jail_test

import (
	"net"
	"os"
	"os/exec"
	"path/filepath"

	"code.cloudfoundry.org/lager/v3/lagertest"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"code.cloudfoundry.org/mjail"
	"code.cloudfoundry.org/mjail/command_runner/fake_command_runner"
	. "code.cloudfoundry.org/mjail/command_runner/fake_command_runner/matchers"
	"code.cloudfoundry.org/mjail/freebsd_update"
	"code.cloudfoundry.org/mjail/hosts_file"
	"code.cloudfoundry.org/mjail/jail"
	"code.cloudfoundry.org/mjail/jailconf"
	"code.cloudfoundry.org/mjail/ledger"
	"code.cloudfoundry.org/mjail/pf_manager/fake_pf_manager"
	"code.cloudfoundry.org/mjail/release"
)

var _ = Describe("Jails", func() {
	var (
		fakeRunner   *fake_command_runner.FakeCommandRunner
		fakeFirewall *fake_pf_manager.FakePFManager
		logger       *lagertest.TestLogger

		root          string
		instancesPath string
		jailConfPath  string
		hostsPath     string
		sshdPath      string

		store   *ledger.Ledger
		rel     *release.Release
		depot   *jail.Depot
		webJail *jail.Jail

		makeDepot func(network string) *jail.Depot
	)

	BeforeEach(func() {
		fakeRunner = fake_command_runner.New()
		fakeFirewall = fake_pf_manager.New()
		logger = lagertest.NewTestLogger("test")

		root = GinkgoT().TempDir()
		instancesPath = filepath.Join(root, "instances")
		jailConfPath = filepath.Join(root, "jail.conf")
		hostsPath = filepath.Join(root, "hosts")
		sshdPath = filepath.Join(root, "sshd_config")

		Expect(os.MkdirAll(instancesPath, 0700)).To(Succeed())
		Expect(os.WriteFile(hostsPath, []byte("127.0.0.1 localhost\n"), 0644)).To(Succeed())
		Expect(os.WriteFile(sshdPath, []byte("#Port 22\nPasswordAuthentication no\n"), 0644)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(root, "freebsd-update.conf"), []byte("Components src world kernel\n"), 0644)).To(Succeed())

		store = ledger.New(jailConfPath, logger)
		updater := freebsd_update.New(fakeRunner, filepath.Join(root, "freebsd-update.conf"), logger)

		rel = release.New(
			"14.1-RELEASE",
			release.Config{
				ReleasesPath: filepath.Join(root, "releases"),
				Mirror:       "http://ftp.freebsd.org/pub/FreeBSD/releases/amd64/amd64",
				Components:   []string{"base.txz"},
			},
			fakeRunner,
			updater,
			logger,
		)

		Expect(os.MkdirAll(filepath.Join(rel.Directory(), "bin"), 0755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(rel.Directory(), "bin", "echo"), nil, 0755)).To(Succeed())

		fakeRunner.WhenRunning(fake_command_runner.CommandSpec{
			Path: exec.Command("cp").Path,
		}, func(cmd *exec.Cmd) error {
			return os.MkdirAll(filepath.Join(cmd.Args[3], "etc", "ssh"), 0755)
		})

		makeDepot = func(network string) *jail.Depot {
			_, ipNet, err := net.ParseCIDR(network)
			Expect(err).ToNot(HaveOccurred())

			return jail.NewDepot(
				jail.DepotConfig{
					InstancesPath:  instancesPath,
					Network:        ipNet,
					Interface:      "lo1",
					HostSSHDConfig: sshdPath,
				},
				store,
				hosts_file.New(hostsPath, logger),
				fakeFirewall,
				rel,
				updater,
				fakeRunner,
				logger,
			)
		}

		depot = makeDepot("10.240.0.0/24")

		var err error
		webJail, err = depot.Jail("web")
		Expect(err).ToNot(HaveOccurred())
	})

	ledgerBytes := func() []byte {
		content, err := os.ReadFile(jailConfPath)
		Expect(err).ToNot(HaveOccurred())
		return content
	}

	ledgerBlock := func(name string) *jailconf.Block {
		conf, err := store.Load()
		Expect(err).ToNot(HaveOccurred())

		block, err := conf.Jail(name)
		Expect(err).ToNot(HaveOccurred())

		return block
	}

	create := func(name string) *jail.Jail {
		j, err := depot.Jail(name)
		Expect(err).ToNot(HaveOccurred())
		Expect(j.Create()).To(Succeed())
		return j
	}

	scalar := func(block *jailconf.Block, name string) string {
		value, found := block.GetScalar(name)
		Expect(found).To(BeTrue(), "missing %s", name)
		return value
	}

	hostsContent := func() string {
		content, err := os.ReadFile(hostsPath)
		Expect(err).ToNot(HaveOccurred())
		return string(content)
	}

	Describe("names", func() {
		DescribeTable("validation",
			func(name string, valid bool) {
				_, err := depot.Jail(name)
				if valid {
					Expect(err).ToNot(HaveOccurred())
				} else {
					Expect(err).To(BeAssignableToTypeOf(mjail.ValidationError{}))
				}
			},
			Entry("two letters", "ab", true),
			Entry("letters and a digit", "web1", true),
			Entry("letters and six digits", "web123456", true),
			Entry("sixteen letters", "abcdefghijklmnop", true),
			Entry("one letter", "a", false),
			Entry("leading digit", "1web", false),
			Entry("seven digits", "web1234567", false),
			Entry("upper case", "WEB", false),
			Entry("seventeen letters", "abcdefghijklmnopq", false),
			Entry("empty", "", false),
			Entry("path traversal", "../etc", false),
		)
	})

	Describe("creating", func() {
		It("clones the release into the instances path", func() {
			Expect(webJail.Create()).To(Succeed())

			Expect(fakeRunner).To(HaveExecutedSerially(
				fake_command_runner.CommandSpec{
					Path: exec.Command("cp").Path,
					Args: []string{"-a", rel.Directory(), filepath.Join(instancesPath, "web")},
				},
			))

			Expect(webJail.Directory()).To(Equal(filepath.Join(instancesPath, "web")))
		})

		It("points the resolver at the gateway", func() {
			Expect(webJail.Create()).To(Succeed())

			Expect(os.ReadFile(filepath.Join(instancesPath, "web", "etc", "resolv.conf"))).To(Equal([]byte("nameserver 10.240.0.1\n")))
		})

		It("adds a managed block to the ledger", func() {
			Expect(webJail.Create()).To(Succeed())

			Expect(ledgerBlock("web").Params.Params()).To(Equal([]jailconf.Param{
				{Name: "$mjail_managed", Value: jailconf.ScalarValue("yes")},
				{Name: "$mjail_currently_running_release", Value: jailconf.ScalarValue("14.1-RELEASE")},
				{Name: "host.hostname", Value: jailconf.ScalarValue("web")},
			}))
		})

		Context("when called twice", func() {
			It("fails the second time and keeps a single block", func() {
				Expect(webJail.Create()).To(Succeed())

				err := webJail.Create()
				Expect(err).To(BeAssignableToTypeOf(mjail.AlreadyExistsError{}))

				conf, err := store.Load()
				Expect(err).ToNot(HaveOccurred())

				count := 0
				for _, block := range conf.Jails() {
					if block.Name == "web" {
						count++
					}
				}

				Expect(count).To(Equal(1))
			})
		})

		Context("when the ledger already has the jail but the tree is gone", func() {
			BeforeEach(func() {
				Expect(os.WriteFile(jailConfPath, []byte("web {\n}\n"), 0644)).To(Succeed())
			})

			It("fails before copying anything", func() {
				err := webJail.Create()
				Expect(err).To(Equal(mjail.AlreadyExistsError{Name: "web"}))

				Expect(fakeRunner.ExecutedCommands).To(BeEmpty())
			})
		})

		Context("when the tree exists but the ledger has no block", func() {
			BeforeEach(func() {
				Expect(os.MkdirAll(filepath.Join(instancesPath, "web"), 0755)).To(Succeed())
			})

			It("fails without touching the ledger", func() {
				err := webJail.Create()
				Expect(err).To(Equal(mjail.AlreadyExistsError{Name: "web", Path: filepath.Join(instancesPath, "web")}))

				Expect(jailConfPath).ToNot(BeAnExistingFile())
			})
		})

		Context("when the release is not built", func() {
			BeforeEach(func() {
				Expect(os.RemoveAll(rel.Directory())).To(Succeed())
			})

			It("builds it first", func() {
				Expect(webJail.Create()).To(Succeed())

				Expect(fakeRunner).To(HaveExecutedSerially(
					fake_command_runner.CommandSpec{
						Path: exec.Command("fetch").Path,
					},
					fake_command_runner.CommandSpec{
						Path: exec.Command("cp").Path,
					},
				))
			})
		})
	})

	Describe("setting the address", func() {
		BeforeEach(func() {
			create("web")
			create("db")
		})

		It("records the interface and address", func() {
			Expect(webJail.SetIP4(net.ParseIP("10.240.0.10"))).To(Succeed())

			block := ledgerBlock("web")
			Expect(scalar(block, "interface")).To(Equal("lo1"))
			Expect(scalar(block, "ip4.addr")).To(Equal("10.240.0.10"))
		})

		It("refreshes the firewall and adds a hosts entry", func() {
			Expect(webJail.SetIP4(net.ParseIP("10.240.0.10"))).To(Succeed())

			Expect(fakeFirewall.RefreshCount()).To(Equal(1))
			Expect(hostsContent()).To(Equal("127.0.0.1 localhost\n10.240.0.10 web\n"))
		})

		It("replaces the hosts entry of a previous address", func() {
			Expect(webJail.SetIP4(net.ParseIP("10.240.0.10"))).To(Succeed())
			Expect(webJail.SetIP4(net.ParseIP("10.240.0.11"))).To(Succeed())

			Expect(hostsContent()).To(Equal("127.0.0.1 localhost\n10.240.0.11 web\n"))
		})

		Context("when another jail holds the address", func() {
			BeforeEach(func() {
				db, err := depot.Jail("db")
				Expect(err).ToNot(HaveOccurred())
				Expect(db.SetIP4(net.ParseIP("10.240.0.10"))).To(Succeed())
			})

			It("fails and leaves everything untouched", func() {
				before := ledgerBytes()
				refreshes := fakeFirewall.RefreshCount()

				err := webJail.SetIP4(net.ParseIP("10.240.0.10"))
				Expect(err).To(Equal(mjail.AlreadyRegisteredError{Address: "10.240.0.10", Jail: "db"}))

				Expect(ledgerBytes()).To(Equal(before))
				Expect(fakeFirewall.RefreshCount()).To(Equal(refreshes))
				Expect(hostsContent()).To(Equal("127.0.0.1 localhost\n10.240.0.10 db\n"))
			})
		})

		Context("when another jail lists the address among several", func() {
			BeforeEach(func() {
				Expect(store.Update(func(conf *jailconf.Conf) error {
					block, err := conf.Jail("db")
					Expect(err).ToNot(HaveOccurred())

					block.Set("ip4.addr", jailconf.ListValue("10.240.0.20", "10.240.0.21"))
					return nil
				})).To(Succeed())
			})

			It("fails", func() {
				err := webJail.SetIP4(net.ParseIP("10.240.0.21"))
				Expect(err).To(Equal(mjail.AlreadyRegisteredError{Address: "10.240.0.21", Jail: "db"}))
			})
		})

		Context("when the jail does not exist", func() {
			It("returns NotFoundError", func() {
				ghost, err := depot.Jail("ghost")
				Expect(err).ToNot(HaveOccurred())

				Expect(ghost.SetIP4(net.ParseIP("10.240.0.10"))).To(Equal(mjail.NotFoundError{Name: "ghost"}))
				Expect(fakeFirewall.RefreshCount()).To(BeZero())
			})
		})

		Context("when the address is the gateway", func() {
			It("returns a ValidationError and leaves everything untouched", func() {
				before := ledgerBytes()

				err := webJail.SetIP4(net.ParseIP("10.240.0.1"))
				Expect(err).To(BeAssignableToTypeOf(mjail.ValidationError{}))

				Expect(ledgerBytes()).To(Equal(before))
				Expect(fakeFirewall.RefreshCount()).To(BeZero())
				Expect(hostsContent()).To(Equal("127.0.0.1 localhost\n"))
			})
		})

		Context("when the address is outside the jail network", func() {
			It("returns a ValidationError and leaves everything untouched", func() {
				before := ledgerBytes()

				err := webJail.SetIP4(net.ParseIP("192.168.1.10"))
				Expect(err).To(BeAssignableToTypeOf(mjail.ValidationError{}))

				Expect(ledgerBytes()).To(Equal(before))
				Expect(fakeFirewall.RefreshCount()).To(BeZero())
				Expect(hostsContent()).To(Equal("127.0.0.1 localhost\n"))
			})
		})

		Context("when the address is not IPv4", func() {
			It("returns a ValidationError", func() {
				err := webJail.SetIP4(net.ParseIP("fd00::1"))
				Expect(err).To(BeAssignableToTypeOf(mjail.ValidationError{}))
			})
		})
	})

	Describe("assigning an address", func() {
		BeforeEach(func() {
			create("web")
			create("db")
		})

		It("hands out the lowest free address after the gateway", func() {
			ip, err := webJail.AssignIP4()
			Expect(err).ToNot(HaveOccurred())
			Expect(ip.String()).To(Equal("10.240.0.2"))

			db, err := depot.Jail("db")
			Expect(err).ToNot(HaveOccurred())

			ip, err = db.AssignIP4()
			Expect(err).ToNot(HaveOccurred())
			Expect(ip.String()).To(Equal("10.240.0.3"))

			Expect(hostsContent()).To(Equal("127.0.0.1 localhost\n10.240.0.2 web\n10.240.0.3 db\n"))
		})

		Context("when the network is exhausted", func() {
			BeforeEach(func() {
				depot = makeDepot("10.240.0.0/30")
			})

			It("returns ResourceExhaustedError", func() {
				web, err := depot.Jail("web")
				Expect(err).ToNot(HaveOccurred())

				ip, err := web.AssignIP4()
				Expect(err).ToNot(HaveOccurred())
				Expect(ip.String()).To(Equal("10.240.0.2"))

				db, err := depot.Jail("db")
				Expect(err).ToNot(HaveOccurred())

				_, err = db.AssignIP4()
				Expect(err).To(Equal(mjail.ResourceExhaustedError{Network: "10.240.0.0/30"}))
			})
		})
	})

	Describe("starting and stopping", func() {
		It("goes through the jail service", func() {
			Expect(webJail.Start()).To(Succeed())
			Expect(webJail.Stop()).To(Succeed())

			Expect(fakeRunner).To(HaveExecutedSerially(
				fake_command_runner.CommandSpec{
					Path: exec.Command("service").Path,
					Args: []string{"jail", "start", "web"},
				},
				fake_command_runner.CommandSpec{
					Path: exec.Command("service").Path,
					Args: []string{"jail", "stop", "web"},
				},
			))
		})
	})

	Describe("redirects", func() {
		BeforeEach(func() {
			create("web")
			create("db")
		})

		It("records the redirect and refreshes the firewall", func() {
			Expect(webJail.AddRedirect(mjail.TCP, 8022, 22)).To(Succeed())

			Expect(scalar(ledgerBlock("web"), "$mjail_rdr_tcp_8022")).To(Equal("22"))
			Expect(fakeFirewall.RefreshCount()).To(Equal(1))
		})

		It("leaves no redirects behind after cancelling", func() {
			Expect(webJail.AddRedirect(mjail.TCP, 8022, 22)).To(Succeed())
			Expect(depot.CancelRedirect(mjail.TCP, 8022)).To(Succeed())

			jails, err := depot.Jails()
			Expect(err).ToNot(HaveOccurred())
			Expect(jails).To(HaveLen(2))

			for _, info := range jails {
				Expect(info.Redirects).To(BeEmpty())
			}

			Expect(string(ledgerBytes())).ToNot(ContainSubstring("$mjail_rdr_"))
			Expect(fakeFirewall.RefreshCount()).To(Equal(2))
		})

		It("cancels the redirect in every jail", func() {
			Expect(store.Update(func(conf *jailconf.Conf) error {
				for _, block := range conf.Jails() {
					block.Set("$mjail_rdr_udp_53", jailconf.ScalarValue("53"))
				}

				return nil
			})).To(Succeed())

			Expect(depot.CancelRedirect(mjail.UDP, 53)).To(Succeed())

			Expect(string(ledgerBytes())).ToNot(ContainSubstring("$mjail_rdr_"))
		})

		It("tolerates cancelling a redirect that does not exist", func() {
			before := ledgerBytes()

			Expect(depot.CancelRedirect(mjail.TCP, 9999)).To(Succeed())

			Expect(ledgerBytes()).To(Equal(before))
			Expect(fakeFirewall.RefreshCount()).To(Equal(1))
		})

		It("refuses a host port redirected to another jail", func() {
			Expect(webJail.AddRedirect(mjail.TCP, 8080, 80)).To(Succeed())

			db, err := depot.Jail("db")
			Expect(err).ToNot(HaveOccurred())

			err = db.AddRedirect(mjail.TCP, 8080, 80)
			Expect(err).To(BeAssignableToTypeOf(mjail.ValidationError{}))
		})

		It("allows the same host port for another protocol", func() {
			Expect(webJail.AddRedirect(mjail.TCP, 5353, 53)).To(Succeed())

			db, err := depot.Jail("db")
			Expect(err).ToNot(HaveOccurred())

			Expect(db.AddRedirect(mjail.UDP, 5353, 53)).To(Succeed())
		})

		It("refuses unknown protocols", func() {
			err := webJail.AddRedirect(mjail.Protocol("icmp"), 8080, 80)
			Expect(err).To(BeAssignableToTypeOf(mjail.ValidationError{}))
			Expect(fakeFirewall.RefreshCount()).To(BeZero())
		})

		It("refuses unknown jails", func() {
			ghost, err := depot.Jail("ghost")
			Expect(err).ToNot(HaveOccurred())

			Expect(ghost.AddRedirect(mjail.TCP, 8080, 80)).To(Equal(mjail.NotFoundError{Name: "ghost"}))
		})
	})

	Describe("deleting", func() {
		Context("when the jail does not exist at all", func() {
			It("succeeds and still refreshes the firewall", func() {
				Expect(webJail.Delete()).To(Succeed())

				Expect(fakeFirewall.RefreshCount()).To(Equal(1))
				Expect(jailConfPath).ToNot(BeAnExistingFile())

				Expect(fakeRunner).To(HaveExecutedSerially(
					fake_command_runner.CommandSpec{
						Path: exec.Command("service").Path,
						Args: []string{"jail", "stop", "web"},
					},
				))
			})
		})

		Context("when the jail exists", func() {
			BeforeEach(func() {
				create("web")
				create("db")

				Expect(webJail.SetIP4(net.ParseIP("10.240.0.2"))).To(Succeed())
			})

			It("stops it and removes its block, hosts entry and tree", func() {
				Expect(webJail.Delete()).To(Succeed())

				conf, err := store.Load()
				Expect(err).ToNot(HaveOccurred())
				Expect(conf.HasJail("web")).To(BeFalse())
				Expect(conf.HasJail("db")).To(BeTrue())

				Expect(hostsContent()).To(Equal("127.0.0.1 localhost\n"))

				Expect(fakeRunner).To(HaveExecutedSerially(
					fake_command_runner.CommandSpec{
						Path: exec.Command("service").Path,
						Args: []string{"jail", "stop", "web"},
					},
					fake_command_runner.CommandSpec{
						Path: exec.Command("chflags").Path,
						Args: []string{"-R", "noschg", webJail.Directory()},
					},
					fake_command_runner.CommandSpec{
						Path: exec.Command("rm").Path,
						Args: []string{"-rf", webJail.Directory()},
					},
				))

				Expect(fakeFirewall.RefreshCount()).To(Equal(2))
			})

			Context("when stopping fails", func() {
				BeforeEach(func() {
					fakeRunner.WhenRunning(fake_command_runner.CommandSpec{
						Path: exec.Command("service").Path,
					}, func(cmd *exec.Cmd) error {
						return mjail.ExternalCommandError{Args: cmd.Args, ExitStatus: 1}
					})
				})

				It("deletes it anyway", func() {
					Expect(webJail.Delete()).To(Succeed())

					conf, err := store.Load()
					Expect(err).ToNot(HaveOccurred())
					Expect(conf.HasJail("web")).To(BeFalse())
				})
			})

			Context("when the firewall cannot be refreshed", func() {
				BeforeEach(func() {
					fakeFirewall.RefreshError = mjail.ExternalCommandError{Args: []string{"pfctl"}, ExitStatus: 1}
				})

				It("returns the error after removing the jail", func() {
					Expect(webJail.Delete()).To(HaveOccurred())

					conf, err := store.Load()
					Expect(err).ToNot(HaveOccurred())
					Expect(conf.HasJail("web")).To(BeFalse())
				})
			})
		})
	})

	Describe("listing", func() {
		BeforeEach(func() {
			create("web")
			create("db")

			Expect(webJail.SetIP4(net.ParseIP("10.240.0.5"))).To(Succeed())
			Expect(webJail.AddRedirect(mjail.TCP, 8080, 80)).To(Succeed())

			Expect(store.Update(func(conf *jailconf.Conf) error {
				return conf.AddJail(jailconf.NewBlock("handmade"))
			})).To(Succeed())
		})

		It("returns the managed jails with their addresses and redirects", func() {
			jails, err := depot.Jails()
			Expect(err).ToNot(HaveOccurred())

			Expect(jails).To(HaveLen(2))

			Expect(jails[0].Name).To(Equal("web"))
			Expect(jails[0].Release).To(Equal("14.1-RELEASE"))
			Expect(jails[0].Addresses).To(HaveLen(1))
			Expect(jails[0].Addresses[0].String()).To(Equal("10.240.0.5"))
			Expect(jails[0].Redirects).To(Equal([]mjail.Redirect{
				{Protocol: mjail.TCP, HostPort: 8080, JailPort: 80},
			}))

			Expect(jails[1].Name).To(Equal("db"))
			Expect(jails[1].Addresses).To(BeEmpty())
		})
	})

	Describe("provisioning ssh", func() {
		var authorizedKeys, jailSSHD string

		BeforeEach(func() {
			create("web")

			authorizedKeys = filepath.Join(webJail.Directory(), "root", ".ssh", "authorized_keys")
			jailSSHD = filepath.Join(webJail.Directory(), "etc", "ssh", "sshd_config")

			Expect(os.WriteFile(jailSSHD, []byte("#PermitRootLogin no\nPasswordAuthentication yes\n"), 0644)).To(Succeed())
		})

		It("installs the key as the only authorized key", func() {
			Expect(webJail.ProvisionSSH("ssh-ed25519 AAAA first", 8022, 22)).To(Succeed())
			Expect(webJail.ProvisionSSH("ssh-ed25519 AAAA second\n", 8022, 22)).To(Succeed())

			Expect(os.ReadFile(authorizedKeys)).To(Equal([]byte("ssh-ed25519 AAAA second\n")))

			info, err := os.Stat(authorizedKeys)
			Expect(err).ToNot(HaveOccurred())
			Expect(info.Mode().Perm()).To(Equal(os.FileMode(0600)))

			info, err = os.Stat(filepath.Dir(authorizedKeys))
			Expect(err).ToNot(HaveOccurred())
			Expect(info.Mode().Perm()).To(Equal(os.FileMode(0700)))
		})

		It("locks down the jail's sshd and enables it", func() {
			Expect(webJail.ProvisionSSH("ssh-ed25519 AAAA", 8022, 2222)).To(Succeed())

			Expect(os.ReadFile(jailSSHD)).To(Equal([]byte(
				"#PermitRootLogin no\n" +
					"PasswordAuthentication no\n" +
					"PermitRootLogin prohibit-password\n" +
					"PubkeyAuthentication yes\n" +
					"Port 2222\n",
			)))

			Expect(fakeRunner).To(HaveExecutedSerially(
				fake_command_runner.CommandSpec{
					Path: exec.Command("sysrc").Path,
					Args: []string{"-f", filepath.Join(webJail.Directory(), "etc", "rc.conf"), "sshd_enable=YES"},
				},
			))
		})

		It("redirects the host port to the jail's sshd", func() {
			Expect(webJail.ProvisionSSH("ssh-ed25519 AAAA", 8022, 2222)).To(Succeed())

			Expect(scalar(ledgerBlock("web"), "$mjail_rdr_tcp_8022")).To(Equal("2222"))
			Expect(fakeFirewall.RefreshCount()).To(Equal(1))
		})

		Context("when the host port is the host's default ssh port", func() {
			It("refuses even though no jail uses it", func() {
				err := webJail.ProvisionSSH("ssh-ed25519 AAAA", 22, 22)
				Expect(err).To(BeAssignableToTypeOf(mjail.ValidationError{}))

				Expect(authorizedKeys).ToNot(BeAnExistingFile())
				Expect(fakeFirewall.RefreshCount()).To(BeZero())
			})
		})

		Context("when the host's sshd listens on another port", func() {
			BeforeEach(func() {
				Expect(os.WriteFile(sshdPath, []byte("Port 2200\n"), 0644)).To(Succeed())
			})

			It("refuses that port", func() {
				err := webJail.ProvisionSSH("ssh-ed25519 AAAA", 2200, 22)
				Expect(err).To(BeAssignableToTypeOf(mjail.ValidationError{}))
			})

			It("allows port 22", func() {
				Expect(webJail.ProvisionSSH("ssh-ed25519 AAAA", 22, 22)).To(Succeed())
			})
		})

		DescribeTable("when the host's sshd port is written differently",
			func(option string) {
				Expect(os.WriteFile(sshdPath, []byte(option), 0644)).To(Succeed())

				err := webJail.ProvisionSSH("ssh-ed25519 AAAA", 22, 22)
				Expect(err).To(BeAssignableToTypeOf(mjail.ValidationError{}))
				Expect(authorizedKeys).ToNot(BeAnExistingFile())
			},
			Entry("with a leading zero", "Port 022\n"),
			Entry("with a trailing comment", "Port 22 # management\n"),
			Entry("with keyword=value syntax", "Port=22\n"),
		)

		Context("when the host's sshd port is not a number", func() {
			It("returns a ValidationError", func() {
				Expect(os.WriteFile(sshdPath, []byte("Port ssh\n"), 0644)).To(Succeed())

				err := webJail.ProvisionSSH("ssh-ed25519 AAAA", 8022, 22)
				Expect(err).To(BeAssignableToTypeOf(mjail.ValidationError{}))
			})
		})

		Context("when the jail does not exist", func() {
			It("returns NotFoundError", func() {
				ghost, err := depot.Jail("ghost")
				Expect(err).ToNot(HaveOccurred())

				Expect(ghost.ProvisionSSH("ssh-ed25519 AAAA", 8022, 22)).To(Equal(mjail.NotFoundError{Name: "ghost"}))
			})
		})
	})

	Describe("updating", func() {
		It("runs freebsd-update against the jail tree", func() {
			outcome, err := webJail.Update(true)
			Expect(err).ToNot(HaveOccurred())
			Expect(outcome).To(Equal(freebsd_update.Applied))

			Expect(fakeRunner).To(HaveExecutedSerially(
				fake_command_runner.CommandSpec{
					Path: exec.Command("freebsd-update").Path,
					Args: []string{"-b", webJail.Directory(), "--not-running-from-cron", "fetch"},
				},
				fake_command_runner.CommandSpec{
					Path: exec.Command("freebsd-update").Path,
					Args: []string{"-b", webJail.Directory(), "install"},
				},
			))
		})
	})

	Describe("minor upgrades", func() {
		BeforeEach(func() {
			create("web")
		})

		It("upgrades the tree and records the new release", func() {
			Expect(webJail.MinorUpgrade("14.2-RELEASE", true)).To(Succeed())

			Expect(scalar(ledgerBlock("web"), "$mjail_currently_running_release")).To(Equal("14.2-RELEASE"))

			upgrade := fakeRunner.ExecutedCommands[len(fakeRunner.ExecutedCommands)-3]
			Expect(upgrade.Args).To(ContainElements("-b", webJail.Directory(), "-r", "14.2-RELEASE", "--currently-running", "14.1-RELEASE"))
		})

		Context("when the major version changes", func() {
			It("refuses and keeps the recorded release", func() {
				before := ledgerBytes()

				err := webJail.MinorUpgrade("15.0-RELEASE", true)
				Expect(err).To(Equal(mjail.UnsupportedUpgradeError{From: "14.1-RELEASE", To: "15.0-RELEASE"}))

				Expect(ledgerBytes()).To(Equal(before))
			})
		})

		Context("when the upgrade fails", func() {
			BeforeEach(func() {
				fakeRunner.WhenRunning(fake_command_runner.CommandSpec{
					Path: exec.Command("freebsd-update").Path,
				}, func(cmd *exec.Cmd) error {
					return mjail.ExternalCommandError{Args: cmd.Args, ExitStatus: 1}
				})
			})

			It("keeps the recorded release", func() {
				Expect(webJail.MinorUpgrade("14.2-RELEASE", true)).To(HaveOccurred())

				Expect(scalar(ledgerBlock("web"), "$mjail_currently_running_release")).To(Equal("14.1-RELEASE"))
			})
		})
	})

	Describe("shells", func() {
		BeforeEach(func() {
			create("web")

			Expect(os.WriteFile(
				filepath.Join(webJail.Directory(), "etc", "shells"),
				[]byte("# List of acceptable shells\n\n/bin/sh\n/bin/csh\n/usr/local/bin/bash\n"),
				0644,
			)).To(Succeed())

			Expect(os.MkdirAll(filepath.Join(webJail.Directory(), "bin"), 0755)).To(Succeed())
			Expect(os.WriteFile(filepath.Join(webJail.Directory(), "bin", "sh"), nil, 0755)).To(Succeed())
			Expect(os.WriteFile(filepath.Join(webJail.Directory(), "bin", "csh"), nil, 0755)).To(Succeed())
		})

		It("lists the shells installed in the jail", func() {
			Expect(webJail.AvailableShells()).To(Equal([]string{"/bin/sh", "/bin/csh"}))
		})

		It("runs the default shell through jexec", func() {
			Expect(webJail.Shell("")).To(Succeed())

			Expect(fakeRunner).To(HaveExecutedSerially(
				fake_command_runner.CommandSpec{
					Path: exec.Command("jexec").Path,
					Args: []string{"web", "/bin/csh"},
				},
			))
		})

		It("refuses shells that are not installed", func() {
			err := webJail.Shell("/usr/local/bin/bash")
			Expect(err).To(BeAssignableToTypeOf(mjail.ValidationError{}))

			Expect(fakeRunner).ToNot(HaveExecutedSerially(
				fake_command_runner.CommandSpec{
					Path: exec.Command("jexec").Path,
				},
			))
		})

		It("executes arbitrary commands", func() {
			Expect(webJail.Execute("ls", "-l", "/")).To(Succeed())

			Expect(fakeRunner).To(HaveExecutedSerially(
				fake_command_runner.CommandSpec{
					Path: exec.Command("jexec").Path,
					Args: []string{"web", "ls", "-l", "/"},
				},
			))
		})
	})
})
