package driver

var usbDeviceDLL = loadDLL(".\\DLLs\\windows_x86\\libusb-1.0.dll", ".\\DLLs\\windows_x86\\USB2XXX.dll")
